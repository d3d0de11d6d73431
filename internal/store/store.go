// Package store persists the shared battle-map state as whole-document JSON
// snapshots and extracts inline map images onto disk. Every operation is
// best-effort: failures surface as errors and structured log events, never
// as panics, and callers are expected to continue without retrying.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"battlemap/server/internal/state"
	"battlemap/server/logging"
)

const (
	mapFileName    = "saved_map.json"
	tokensFileName = "saved_tokens.json"

	// mapImageBase is the canonical stored-map file name stem. At most one
	// current_map.* file is resident at a time.
	mapImageBase = "current_map"

	dataURLPrefix = "data:image/"
)

// Store owns the on-disk layout under a single data directory:
// saved_map.json, saved_tokens.json, maps/ for the extracted map image, and
// portraits/ as the local portrait fallback tree.
type Store struct {
	dataDir      string
	mapsDir      string
	portraitsDir string
	mapFile      string
	tokensFile   string
	pub          logging.Publisher
}

type mapDocument struct {
	Map *string `json:"map"`
}

type tokensDocument struct {
	Tokens []*state.Token `json:"tokens"`
}

// New ensures the data directory tree exists and returns a Store rooted at
// dataDir.
func New(dataDir string, pub logging.Publisher) (*Store, error) {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	s := &Store{
		dataDir:      dataDir,
		mapsDir:      filepath.Join(dataDir, "maps"),
		portraitsDir: filepath.Join(dataDir, "portraits"),
		mapFile:      filepath.Join(dataDir, mapFileName),
		tokensFile:   filepath.Join(dataDir, tokensFileName),
		pub:          pub,
	}
	dirs := []string{
		s.dataDir,
		s.mapsDir,
		s.portraitsDir,
		filepath.Join(s.portraitsDir, "PNJ"),
		filepath.Join(s.portraitsDir, "Allies"),
		filepath.Join(s.portraitsDir, "Players"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) DataDir() string      { return s.dataDir }
func (s *Store) MapsDir() string      { return s.mapsDir }
func (s *Store) PortraitsDir() string { return s.portraitsDir }

// SaveMap overwrites the map record with {"map": ref}. An empty ref is
// stored as null.
func (s *Store) SaveMap(ref string) error {
	doc := mapDocument{}
	if ref != "" {
		doc.Map = &ref
	}
	if err := s.writeDocument(s.mapFile, doc); err != nil {
		s.publishSaveFailure("map", err)
		return err
	}
	return nil
}

// LoadMap reads the map record. Absence, unreadable content, or a decode
// failure all count as "no saved map".
func (s *Store) LoadMap() string {
	data, err := os.ReadFile(s.mapFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.publishLoadFailure("map", err)
		}
		return ""
	}
	var doc mapDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.publishLoadFailure("map", err)
		return ""
	}
	if doc.Map == nil {
		return ""
	}
	return *doc.Map
}

// SaveTokens overwrites the token record with the full list as one document.
func (s *Store) SaveTokens(tokens []*state.Token) error {
	if tokens == nil {
		tokens = make([]*state.Token, 0)
	}
	if err := s.writeDocument(s.tokensFile, tokensDocument{Tokens: tokens}); err != nil {
		s.publishSaveFailure("tokens", err)
		return err
	}
	return nil
}

// LoadTokens reads the token record, falling back to an empty list on any
// failure.
func (s *Store) LoadTokens() []*state.Token {
	data, err := os.ReadFile(s.tokensFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.publishLoadFailure("tokens", err)
		}
		return make([]*state.Token, 0)
	}
	var doc tokensDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.publishLoadFailure("tokens", err)
		return make([]*state.Token, 0)
	}
	if doc.Tokens == nil {
		return make([]*state.Token, 0)
	}
	return doc.Tokens
}

// ExtractMapImage decodes an inline data:image/ payload and installs it as
// the single resident map image. The payload is decoded before any file is
// touched, so a malformed upload leaves the previous image in place.
func (s *Store) ExtractMapImage(dataURL string) (string, error) {
	if !strings.HasPrefix(dataURL, dataURLPrefix) {
		return "", fmt.Errorf("not an inline image payload")
	}
	header, encoded, found := strings.Cut(dataURL, ",")
	if !found {
		return "", fmt.Errorf("inline image payload missing separator")
	}

	mime := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	ext := strings.TrimPrefix(mime, "image/")
	if ext == "" {
		return "", fmt.Errorf("inline image payload missing subtype")
	}

	binary, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventStorageImageRejected,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryStorage,
			Payload:  map[string]any{"error": err.Error()},
		})
		return "", fmt.Errorf("decode inline image: %w", err)
	}

	s.removeStoredMapImages()

	fileName := mapImageBase + "." + ext
	if err := os.WriteFile(filepath.Join(s.mapsDir, fileName), binary, 0o644); err != nil {
		s.publishSaveFailure("map image", err)
		return "", fmt.Errorf("write map image: %w", err)
	}

	relative := "/maps/" + fileName
	s.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventStorageImageStored,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryStorage,
		Payload:  map[string]any{"path": relative, "bytes": len(binary)},
	})
	return relative, nil
}

// removeStoredMapImages clears any current_map.* file regardless of
// extension so the new image is the sole resident.
func (s *Store) removeStoredMapImages() {
	entries, err := os.ReadDir(s.mapsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), mapImageBase+".") {
			continue
		}
		if err := os.Remove(filepath.Join(s.mapsDir, entry.Name())); err != nil {
			s.pub.Publish(context.Background(), logging.Event{
				Type:     logging.EventStorageSaveFailed,
				Severity: logging.SeverityWarn,
				Category: logging.CategoryStorage,
				Payload:  map[string]any{"record": "old map image", "error": err.Error()},
			})
		}
	}
}

func (s *Store) writeDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) publishSaveFailure(record string, err error) {
	s.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventStorageSaveFailed,
		Severity: logging.SeverityError,
		Category: logging.CategoryStorage,
		Payload:  map[string]any{"record": record, "error": err.Error()},
	})
}

func (s *Store) publishLoadFailure(record string, err error) {
	s.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventStorageLoadFailed,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryStorage,
		Payload:  map[string]any{"record": record, "error": err.Error()},
	})
}
