package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Subdir is the cache directory name under the data root.
	Subdir = "mostimportantcache"

	ext    = ".cache"
	newExt = ".new"
)

// Directory implements filesystem Cacher.
type Directory struct {
	path string
}

func NewDirectory(root, subdir string) (*Directory, error) {
	path, err := filepath.Abs(filepath.Join(root, subdir))
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &Directory{
		path: path,
	}, nil
}

// NewDefaultDirectory returns the cache under the data root.
func NewDefaultDirectory(root string) (*Directory, error) {
	return NewDirectory(root, Subdir)
}

func (c *Directory) Path() string {
	return c.path
}

func (c *Directory) Entry(eval uint64) Entry {
	return c.entry(eval)
}

func (c *Directory) entry(eval uint64) DirectoryEntry {
	return DirectoryEntry(filepath.Join(c.path, strconv.FormatUint(eval, 10)+ext))
}

// DirectoryEntry implements filesystem Entry.
type DirectoryEntry string

func (e DirectoryEntry) Path() string {
	return string(e)
}

func (e DirectoryEntry) Eval() uint64 {
	id, _ := parseName(filepath.Base(string(e)))
	return id
}

// Exists reports whether the entry was published. Content is not checked,
// an empty entry is a valid result for an evaluation without failed dependencies.
func (e DirectoryEntry) Exists() bool {
	_, err := os.Stat(string(e))
	return err == nil
}

func (e DirectoryEntry) Remove() error {
	return os.Remove(string(e))
}

// parseName returns the evaluation ID of a published entry file name.
func parseName(name string) (uint64, bool) {
	stem, ok := strings.CutSuffix(name, ext)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Walk calls wfn for every published entry. Files that are not named
// <eval>.cache, including unpublished <eval>.cache.new, are skipped.
func (c *Directory) Walk(wfn WalkFunc) error {
	dir, err := os.ReadDir(c.path)
	if err != nil {
		return wfn(nil, err)
	}
	for _, d := range dir {
		if d.IsDir() {
			continue
		}
		if _, ok := parseName(d.Name()); !ok {
			continue
		}
		if err := wfn(DirectoryEntry(filepath.Join(c.path, d.Name())), nil); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes published entries of evaluations for which keep returns false
// and returns the removed evaluation IDs.
func (c *Directory) Purge(keep func(eval uint64) bool) ([]uint64, error) {
	var purged []uint64
	err := c.Walk(func(entry Entry, err error) error {
		if err != nil {
			return fmt.Errorf("error reading cache: %w", err)
		}
		if keep(entry.Eval()) {
			return nil
		}
		if err := entry.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		purged = append(purged, entry.Eval())
		return nil
	})
	return purged, err
}
