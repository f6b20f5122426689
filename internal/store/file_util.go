package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// writeJSONAtomic replaces path with the indented encoding of v via a
// sibling temp file, so readers never observe a partial document.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	file, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return err
	}
	tmp := file.Name()
	defer func() {
		_ = os.Remove(tmp)
	}()
	if err := file.Chmod(0o600); err != nil {
		_ = file.Close()
		return err
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
