package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nugget/botlab/internal/defaults"
)

// runInit writes a starter config and agent definitions into dir and
// creates the data directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing botlab workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	files := defaults.Files()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		// The config carries API tokens.
		perm := os.FileMode(0o644)
		if name == "config.yaml" {
			perm = 0o600
		}
		written, err := writeIfMissing(path, files[name], perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set TELEGRAM_BOT_TOKEN and ANTHROPIC_API_KEY, then edit config.yaml")
	fmt.Fprintln(w, "and speaker.xml to customize your agent.")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
