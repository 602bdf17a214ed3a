// Package loader reads plain-text documents from disk.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"unicode/utf8"

	"ragchat/internal/domain"
)

// LoadFile reads a UTF-8 text file. The path is recorded as the document source.
func LoadFile(path string) (domain.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Document{}, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, path)
		}
		return domain.Document{}, fmt.Errorf("%w: %w", domain.ErrDocumentNotFound, err)
	}
	if info.IsDir() {
		return domain.Document{}, fmt.Errorf("%w: %s is a directory", domain.ErrDocumentNotFound, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return domain.Document{}, fmt.Errorf("%w: %s is not valid UTF-8 text", domain.ErrChunking, path)
	}
	return domain.Document{Source: path, Content: string(data)}, nil
}
