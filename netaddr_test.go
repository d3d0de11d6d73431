package server

import (
	"net"
	"testing"
)

func TestLocalIP_ReturnsParseableAddress(t *testing.T) {
	ip := LocalIP()
	if ip == "" {
		t.Fatalf("empty address")
	}
	if net.ParseIP(ip) == nil {
		t.Fatalf("unparseable address %q", ip)
	}
}
