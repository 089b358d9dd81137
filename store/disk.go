package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wolfeidau/pagecache"
)

// blobPath returns the on-disk location for an entry body.
// Layout: {root}/pages/{tenant}/{key[:2]}/{key}
func (s *Store) blobPath(tenant string, key pagecache.Key) string {
	return filepath.Join(s.root, "pages", normalizeTenant(tenant), key.Dir(), key.String())
}

// writeBlob writes data atomically: the bytes land in a temp file in the
// destination directory, are synced, and are then renamed into place. A
// reader never observes a partial write, and concurrent writers to the
// same path resolve to whichever rename lands last.
func (s *Store) writeBlob(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// readBlob reads an entry body from disk.
func (s *Store) readBlob(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// removeBlob deletes an entry body. Removing a missing file is not an
// error.
func (s *Store) removeBlob(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
