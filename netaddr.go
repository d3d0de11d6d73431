package server

import "net"

// LocalIP reports the machine's LAN address so broadcast URLs work from
// other devices. Dialing UDP never sends a packet; it only makes the OS
// pick the outbound interface.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
