package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Fetcher is the build page downloader interface.
type Fetcher interface {
	// Fetch downloads the page of build id and extracts its failed dependencies.
	Fetch(ctx context.Context, id uint64) (*Build, error)
}

// Build is the set of failed dependencies found on one build page.
type Build struct {
	// Build ID.
	ID uint64
	// Build architecture, e.g. x86_64-linux.
	System string
	// Failed dependencies keyed by store path.
	Deps map[string]*Dependency
}

// Dependency is one failed or cached-failure build step.
type Dependency struct {
	// Store path of the step output, without annotations.
	StorePath string
	// Store path basename, without the store directory and hash.
	Name string
	// Architecture of the build the step was observed in.
	System string
	// ID of the build that actually failed.
	Origin uint64
}

func (d *Dependency) String() string {
	return fmt.Sprintf("%s;%s;%d", d.Name, d.System, d.Origin)
}

// Lines returns record lines of all dependencies, ordered by store path.
func (b *Build) Lines() []string {
	paths := make([]string, 0, len(b.Deps))
	for p := range b.Deps {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		lines = append(lines, b.Deps[p].String())
	}
	return lines
}

// ErrParse is returned when a build page doesn't have the expected shape.
var ErrParse = errors.New("unexpected page shape")
