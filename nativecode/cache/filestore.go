package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// NewFileStore returns an EntryStore keeping each entry in its own file
// under dir, named by the key's hex form. dir is created if missing. The
// files carry no framing or checksum of their own; Lookup validates
// everything it decodes, so a torn write surfaces as a purged miss.
func NewFileStore(dir string) (EntryStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

type fileStore struct {
	dir string
}

func (f *fileStore) entryPath(key Key) string {
	return filepath.Join(f.dir, hex.EncodeToString(key[:]))
}

func (f *fileStore) Get(key Key) (io.ReadCloser, bool, error) {
	file, err := os.Open(f.entryPath(key))
	switch {
	case err == nil:
		return file, true, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (f *fileStore) Add(key Key, content io.Reader) error {
	file, err := os.Create(f.entryPath(key))
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (f *fileStore) Delete(key Key) error {
	err := os.Remove(f.entryPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
