package cache

import (
	"bufio"
	"fmt"
	"os"
)

// Combiner merges record lines from many producers into one cache entry.
//
// Lines are written to <eval>.cache.new by a single consumer goroutine and
// the file is renamed to <eval>.cache by Close, after all lines were written.
// Lines passed to one Put call are written contiguously.
type Combiner struct {
	entry DirectoryEntry
	tmp   string
	f     *os.File
	w     *bufio.Writer

	lch  chan []string
	done chan struct{}

	// owned by the consumer goroutine until done is closed
	err   error
	count int
}

// Create truncates or creates the unpublished file of eval and starts its consumer.
func (c *Directory) Create(eval uint64) (*Combiner, error) {
	e := c.entry(eval)
	tmp := string(e) + newExt
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}

	cb := &Combiner{
		entry: e,
		tmp:   tmp,
		f:     f,
		w:     bufio.NewWriter(f),
		lch:   make(chan []string),
		done:  make(chan struct{}),
	}
	go cb.drain()

	return cb, nil
}

func (cb *Combiner) drain() {
	defer close(cb.done)

	for lines := range cb.lch {
		if cb.err != nil {
			continue // keep receiving so that producers never block
		}
		for _, l := range lines {
			if _, err := cb.w.WriteString(l + "\n"); err != nil {
				cb.err = err
				break
			}
			cb.count++
		}
	}
}

// Put queues lines for writing. It must not be called after Close.
func (cb *Combiner) Put(lines []string) {
	if len(lines) == 0 {
		return
	}
	cb.lch <- lines
}

// Entry returns the entry Close publishes.
func (cb *Combiner) Entry() Entry {
	return cb.entry
}

// Count returns the number of lines written. Valid only after Close.
func (cb *Combiner) Count() int {
	return cb.count
}

// Abort waits for queued lines and discards the unpublished file.
// Either Abort or Close must be called, once.
func (cb *Combiner) Abort() error {
	close(cb.lch)
	<-cb.done

	cb.f.Close()
	return os.Remove(cb.tmp)
}

// Close waits for queued lines to be written and publishes the entry.
// On any write or rename error the unpublished file is removed and nothing
// is published.
func (cb *Combiner) Close() error {
	close(cb.lch)
	<-cb.done

	err := cb.err
	if ferr := cb.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := cb.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(cb.tmp, cb.entry.Path())
	}
	if err != nil {
		os.Remove(cb.tmp)
		return fmt.Errorf("error publishing %s: %w", cb.entry.Path(), err)
	}

	return nil
}
