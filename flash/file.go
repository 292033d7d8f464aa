package flash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File keeps the page in a single file. A missing file reads as erased.
// Every update goes through a temp file and rename.
type File struct {
	Path string
}

// NewFile returns a page backed by path
func NewFile(path string) *File {
	return &File{Path: path}
}

// ReadPage implements Page
func (f *File) ReadPage(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ErasedPage(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page file: %w", err)
	}
	if len(data) != PageSize {
		return nil, fmt.Errorf("page file is %d bytes, want %d", len(data), PageSize)
	}
	return data, nil
}

// ErasePage implements Page
func (f *File) ErasePage(ctx context.Context) error {
	return f.replace(ErasedPage())
}

// WritePage implements Page
func (f *File) WritePage(ctx context.Context, data []byte) error {
	old, err := f.ReadPage(ctx)
	if err != nil {
		return err
	}
	out, err := program(old, data)
	if err != nil {
		return err
	}
	return f.replace(out)
}

func (f *File) replace(page []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return fmt.Errorf("failed to create page directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, page, 0600); err != nil {
		return fmt.Errorf("failed to write page file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("failed to commit page file: %w", err)
	}
	return nil
}
