package net

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveAssetsDir locates the web asset tree (index.html, obs.html, js/,
// css/). An explicit override wins; otherwise the working directory and the
// executable's directory are probed.
func ResolveAssetsDir(override string) (string, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", fmt.Errorf("resolve assets dir: %w", err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve assets dir: %w", err)
	}
	if dir, ok := resolveAssetsDirFrom(cwd); ok {
		return dir, nil
	}
	exePath, err := os.Executable()
	if err == nil {
		if dir, ok := resolveAssetsDirFrom(filepath.Dir(exePath)); ok {
			return dir, nil
		}
	}
	return "", fmt.Errorf("web assets directory not found")
}

func resolveAssetsDirFrom(base string) (string, bool) {
	candidates := []string{
		filepath.Join(base, "web"),
		filepath.Join(base, "..", "web"),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				continue
			}
			return abs, true
		}
	}
	return "", false
}

// ResolvePortraitsDir prefers the external Webtracker asset tree when it is
// present next to this installation, falling back to the local portraits
// directory under the data dir.
func ResolvePortraitsDir(localFallback string) string {
	external := filepath.Join("..", "Webtracker", "app", "static", "portraits")
	if info, err := os.Stat(external); err == nil && info.IsDir() {
		abs, err := filepath.Abs(external)
		if err == nil {
			return abs
		}
	}
	return localFallback
}
