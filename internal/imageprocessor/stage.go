package imageprocessor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stage writes an uploaded image to a temporary file so file-based
// providers can read it. The extension of name is kept. The returned
// cleanup removes the file.
func Stage(data []byte, name string) (string, func(), error) {
	ext := filepath.Ext(filepath.Base(name))
	if strings.ContainsAny(ext, `*/\`) {
		ext = ""
	}
	f, err := os.CreateTemp("", "biqt-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp image: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp image: %w", err)
	}
	return f.Name(), cleanup, nil
}
