// Package store persists the period roster.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jupark12/docflow/models"
)

type rosterFile struct {
	Periods []models.Period `json:"periods"`
}

// File keeps the roster in a single JSON file. Every write goes to a temp
// file in the same directory which then replaces the roster, so readers
// never see a partial file.
type File struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	periods map[string]models.Period
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create roster directory: %w", err)
	}
	return &File{path: path, periods: make(map[string]models.Period)}, nil
}

func (f *File) Load(ctx context.Context) ([]models.Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readLocked(); err != nil {
		return nil, err
	}
	out := make([]models.Period, 0, len(f.periods))
	for _, p := range f.periods {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save writes p unless the roster already holds the same or a newer version.
func (f *File) Save(ctx context.Context, p models.Period) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readLocked(); err != nil {
		return err
	}
	if cur, ok := f.periods[p.ID]; ok && cur.Version >= p.Version {
		return nil
	}
	prev, had := f.periods[p.ID]
	f.periods[p.ID] = p.Clone()
	if err := f.writeLocked(); err != nil {
		if had {
			f.periods[p.ID] = prev
		} else {
			delete(f.periods, p.ID)
		}
		return err
	}
	return nil
}

func (f *File) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readLocked(); err != nil {
		return err
	}
	prev, ok := f.periods[id]
	if !ok {
		return nil
	}
	delete(f.periods, id)
	if err := f.writeLocked(); err != nil {
		f.periods[id] = prev
		return err
	}
	return nil
}

func (f *File) readLocked() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	var roster rosterFile
	if err := json.Unmarshal(data, &roster); err != nil {
		return fmt.Errorf("decode roster %s: %w", f.path, err)
	}
	for _, p := range roster.Periods {
		f.periods[p.ID] = p
	}
	f.loaded = true
	return nil
}

func (f *File) writeLocked() error {
	roster := rosterFile{Periods: make([]models.Period, 0, len(f.periods))}
	for _, p := range f.periods {
		roster.Periods = append(roster.Periods, p)
	}
	sort.Slice(roster.Periods, func(i, j int) bool { return roster.Periods[i].ID < roster.Periods[j].ID })

	data, err := json.MarshalIndent(roster, "", "  ")
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp roster: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp roster: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp roster: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp roster: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace roster: %w", err)
	}
	return nil
}
