// Package evalcache reads evaluation build lists produced by crawl-eval.
package evalcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	subdir = "evalcache"
	ext    = ".cache"

	// StatusDependencyFailed is the build status selecting candidate builds.
	StatusDependencyFailed = "Dependency failed"
)

var (
	ErrSourceMissing  = errors.New("eval cache missing")
	ErrMalformedInput = errors.New("malformed eval cache")
)

// Reader reads <root>/evalcache/<eval>.cache files.
//
// Each line has the form
//
//	<job> <build id> <pkgname> <system> <status...>
//
// with the status being the last, possibly space containing, field.
type Reader struct {
	path string
}

func NewReader(root string) *Reader {
	return &Reader{
		path: filepath.Join(root, subdir),
	}
}

func (r *Reader) Path(eval uint64) string {
	return filepath.Join(r.path, strconv.FormatUint(eval, 10)+ext)
}

// DependencyFailed returns IDs of eval builds with the "Dependency failed" status,
// in file order.
func (r *Reader) DependencyFailed(eval uint64) ([]uint64, error) {
	path := r.Path(eval)
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return nil, err
	}
	return parse(path, string(buf))
}

func parse(path, content string) ([]uint64, error) {
	var ids []uint64
	for n, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 5)
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: %s:%d: expected 5 fields, got %d", ErrMalformedInput, path, n+1, len(parts))
		}
		if parts[4] != StatusDependencyFailed {
			continue
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: invalid build id %q", ErrMalformedInput, path, n+1, parts[1])
		}
		ids = append(ids, id)
	}
	return ids, nil
}
