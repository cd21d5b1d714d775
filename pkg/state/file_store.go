package state

import (
	"context"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/forcepull/forcepull/pkg/errors"
)

// FileStore persists state as a single JSON file. Writes go through a temp
// file and rename so a crash mid-save cannot corrupt the previous state.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state file. A missing file means no prior run.
func (fs *FileStore) Load(_ context.Context) (*State, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read state file")
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to parse state file")
	}
	return &s, nil
}

// Save writes the state atomically.
func (fs *FileStore) Save(_ context.Context, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to encode state")
	}

	dir := filepath.Dir(fs.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrorTypeState, "failed to create state directory")
		}
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write state file")
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to replace state file")
	}
	return nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error { return nil }
