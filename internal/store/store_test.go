package store

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"battlemap/server/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestTokensRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tokens := []*state.Token{
		{ID: "t1", X: 10, Y: 20, Size: 50, Color: "blue", Name: "Token"},
		{ID: "t2", X: 1.5, Y: 2.5, Size: 80, Color: "red", Name: "Ogre", PortraitURL: "/portraits/PNJ/ogre.png", Extra: map[string]any{"hp": float64(12)}},
	}
	if err := s.SaveTokens(tokens); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded := s.LoadTokens()
	if len(loaded) != 2 {
		t.Fatalf("expected 2 tokens after reload, got %d", len(loaded))
	}
	if loaded[0].ID != "t1" || loaded[0].X != 10 || loaded[0].Y != 20 {
		t.Fatalf("first token mangled: %+v", loaded[0])
	}
	second := loaded[1]
	if second.Size != 80 || second.Color != "red" || second.Name != "Ogre" {
		t.Fatalf("second token mangled: %+v", second)
	}
	if second.PortraitURL != "/portraits/PNJ/ogre.png" {
		t.Fatalf("portrait url lost: %q", second.PortraitURL)
	}
	if second.Extra["hp"] != float64(12) {
		t.Fatalf("extra field lost: %v", second.Extra)
	}
}

func TestLoadTokens_MissingFile(t *testing.T) {
	s := newTestStore(t)
	tokens := s.LoadTokens()
	if tokens == nil || len(tokens) != 0 {
		t.Fatalf("expected empty list, got %v", tokens)
	}
}

func TestLoadTokens_CorruptFile(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.DataDir(), tokensFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	tokens := s.LoadTokens()
	if len(tokens) != 0 {
		t.Fatalf("expected corrupt file to load as empty list, got %v", tokens)
	}
}

func TestMapRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveMap("/maps/current_map.png"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got := s.LoadMap(); got != "/maps/current_map.png" {
		t.Fatalf("expected saved reference back, got %q", got)
	}
}

func TestLoadMap_AbsentAndCorrupt(t *testing.T) {
	s := newTestStore(t)
	if got := s.LoadMap(); got != "" {
		t.Fatalf("expected no saved map, got %q", got)
	}

	if err := os.WriteFile(filepath.Join(s.DataDir(), mapFileName), []byte("???"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if got := s.LoadMap(); got != "" {
		t.Fatalf("expected corrupt map record to load as none, got %q", got)
	}
}

func TestSaveMap_EmptyStoresNull(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveMap(""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.DataDir(), mapFileName))
	if err != nil {
		t.Fatalf("read map record: %v", err)
	}
	if !strings.Contains(string(data), "null") {
		t.Fatalf("expected null map in record, got %s", data)
	}
	if got := s.LoadMap(); got != "" {
		t.Fatalf("expected empty reference back, got %q", got)
	}
}

func TestExtractMapImage_WritesDecodedPayload(t *testing.T) {
	s := newTestStore(t)

	content := []byte("fake png bytes")
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(content)

	relative, err := s.ExtractMapImage(dataURL)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if relative != "/maps/current_map.png" {
		t.Fatalf("unexpected relative path %q", relative)
	}

	written, err := os.ReadFile(filepath.Join(s.MapsDir(), "current_map.png"))
	if err != nil {
		t.Fatalf("stored image missing: %v", err)
	}
	if string(written) != string(content) {
		t.Fatalf("stored bytes differ from payload")
	}
}

func TestExtractMapImage_ReplacesOldExtension(t *testing.T) {
	s := newTestStore(t)

	png := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	if _, err := s.ExtractMapImage(png); err != nil {
		t.Fatalf("first extract failed: %v", err)
	}

	jpeg := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg"))
	relative, err := s.ExtractMapImage(jpeg)
	if err != nil {
		t.Fatalf("second extract failed: %v", err)
	}
	if relative != "/maps/current_map.jpeg" {
		t.Fatalf("unexpected relative path %q", relative)
	}

	entries, err := os.ReadDir(s.MapsDir())
	if err != nil {
		t.Fatalf("read maps dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one resident map image, got %d", len(entries))
	}
	if entries[0].Name() != "current_map.jpeg" {
		t.Fatalf("expected the jpeg to survive, got %s", entries[0].Name())
	}
}

func TestExtractMapImage_RejectsMalformedInput(t *testing.T) {
	s := newTestStore(t)

	seed := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("keep me"))
	if _, err := s.ExtractMapImage(seed); err != nil {
		t.Fatalf("seed extract failed: %v", err)
	}

	cases := []string{
		"https://example.com/map.png",
		"data:image/png;base64",
		"data:image/png;base64,%%%not-base64%%%",
	}
	for _, input := range cases {
		if _, err := s.ExtractMapImage(input); err == nil {
			t.Fatalf("expected rejection for %q", input)
		}
	}

	// The previously stored image must survive every rejected upload.
	written, err := os.ReadFile(filepath.Join(s.MapsDir(), "current_map.png"))
	if err != nil {
		t.Fatalf("prior image was disturbed: %v", err)
	}
	if string(written) != "keep me" {
		t.Fatalf("prior image content changed")
	}
}
