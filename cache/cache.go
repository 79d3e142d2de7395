package cache

// Cacher is the per-evaluation dependency cache.
type Cacher interface {
	// Entry returns the published cache entry of eval.
	Entry(eval uint64) Entry
	// Create starts writing a new entry for eval. The entry is published
	// when the returned Combiner is closed.
	Create(eval uint64) (*Combiner, error)
	// Purge removes published entries for which keep returns false.
	Purge(keep func(eval uint64) bool) ([]uint64, error)
}

type Entry interface {
	Eval() uint64
	Path() string
	Exists() bool
	Remove() error
}

type WalkFunc func(entry Entry, err error) error
