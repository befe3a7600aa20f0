// Package resumefile persists resume records as one file per torrent:
// {dir}/{infohash}.resume.
package resumefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"torrentresume/internal/domain"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
	tmpExt   = ".tmp"
)

type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a store rooted at dir. A nil fs uses the OS filesystem.
func New(fs afero.Fs, dir string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path(id domain.TorrentID) string {
	return filepath.Join(s.dir, domain.ResumeFileName(id))
}

// Save writes rec atomically: the payload goes to a temp file that is then
// renamed over the final name.
func (s *Store) Save(_ context.Context, rec domain.ResumeRecord) error {
	if _, err := domain.ParseTorrentID(string(rec.ID)); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create resume dir: %w", err)
	}

	path := s.Path(rec.ID)
	tmp := path + tmpExt
	if err := afero.WriteFile(s.fs, tmp, rec.Payload, filePerm); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write resume file %s: %w", rec.ID, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename resume file %s: %w", rec.ID, err)
	}
	return nil
}

// Remove deletes the record for id. A missing file is not an error.
func (s *Store) Remove(_ context.Context, id domain.TorrentID) error {
	err := s.fs.Remove(s.Path(id))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove resume file %s: %w", id, err)
}

// List returns the ids of all resume files in the directory, sorted. Entries
// without the resume extension or with a malformed name are ignored; a
// missing directory yields an empty list.
func (s *Store) List(ctx context.Context) ([]domain.TorrentID, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resume dir: %w", err)
	}

	ids := make([]domain.TorrentID, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), domain.ResumeExt) {
			continue
		}
		id, err := domain.ParseTorrentID(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) Load(_ context.Context, id domain.TorrentID) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("read resume file %s: %w", id, err)
	}
	return data, nil
}
