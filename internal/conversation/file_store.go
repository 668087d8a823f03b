package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// FileStore is an InMemoryStore whose state is written to a single JSON file
// after every mutation. The file is replaced atomically.
type FileStore struct {
	*InMemoryStore
	path string
}

// OpenFileStore loads path if it exists, or starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	st := newMemState()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse store file %s: %w", path, err)
		}
		fillMaps(st)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read store file %s: %w", path, err)
	}

	fs := &FileStore{
		InMemoryStore: &InMemoryStore{state: st, now: time.Now},
		path:          path,
	}
	fs.persist = fs.write

	log.Debug().
		Str("path", path).
		Int("chats", len(st.Chats)).
		Msg("Opened file store")
	return fs, nil
}

func (f *FileStore) write(st *memState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func fillMaps(st *memState) {
	if st.Users == nil {
		st.Users = make(map[string]bool)
	}
	if st.Chats == nil {
		st.Chats = make(map[string]*Chat)
	}
	if st.Turns == nil {
		st.Turns = make(map[string][]*Turn)
	}
	if st.Favorites == nil {
		st.Favorites = make(map[string]map[string]bool)
	}
}
