// Package crawl collects failed dependencies of Hydra evaluations.
//
// For every requested evaluation that has no published cache entry yet, the
// "Dependency failed" builds listed in its eval cache are fetched in parallel
// and their failed dependencies are combined into one cache entry. The entry is
// published once all builds of the evaluation were processed. Cache entries of
// evaluations that were not requested are purged at the end of a run.
package crawl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JulienMalka/zhf/cache"
	"github.com/JulienMalka/zhf/evalcache"
	"github.com/JulienMalka/zhf/fetch"
	"github.com/JulienMalka/zhf/progress"
)

const DefaultJobs = 4

type Config struct {
	// Data directory holding evalcache/ and mostimportantcache/.
	Root string
	// Number of builds fetched in parallel.
	Jobs int
	// Progress reporting interval.
	Interval time.Duration
}

// Crawler runs crawls. It is not safe to run several crawls over the same
// data directory at once.
type Crawler struct {
	jobs     int
	interval time.Duration
	input    *evalcache.Reader
	cache    cache.Cacher
	fetcher  fetch.Fetcher
	logger   *slog.Logger
}

// Result summarizes a crawl.
type Result struct {
	// Evaluations skipped because they were already cached.
	Skipped []uint64
	// Evaluations published by this crawl.
	Published []uint64
	// Evaluations whose cache entries could not be written. They are
	// crawled again by the next run.
	Unpublished []uint64
	// Evaluations whose cache entries were purged.
	Purged []uint64
	// Number of builds fetched.
	Builds int
	// Number of builds that could not be fetched or parsed.
	Failed int
}

func New(cfg Config, fetcher fetch.Fetcher, logger *slog.Logger) (*Crawler, error) {
	c, err := cache.NewDefaultDirectory(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("error initializing cache: %w", err)
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = DefaultJobs
	}
	if cfg.Interval <= 0 {
		cfg.Interval = progress.DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Crawler{
		jobs:     cfg.Jobs,
		interval: cfg.Interval,
		input:    evalcache.NewReader(cfg.Root),
		cache:    c,
		fetcher:  fetcher,
		logger:   logger,
	}, nil
}

type evalJob struct {
	eval   uint64
	builds []uint64
	out    *cache.Combiner
	wg     sync.WaitGroup
}

// Run crawls evals and purges cache entries of all other evaluations.
func (c *Crawler) Run(ctx context.Context, evals []uint64) (*Result, error) {
	c.logger.Info("will crawl evaluations", "evals", evals)

	res := &Result{}
	jobs, err := c.plan(evals, res)
	if err != nil {
		return res, err
	}
	if err := c.crawl(ctx, jobs, res); err != nil {
		return res, err
	}

	c.logger.Info("cleaning cache")
	keep := make(map[uint64]struct{}, len(evals))
	for _, e := range evals {
		keep[e] = struct{}{}
	}
	res.Purged, err = c.cache.Purge(func(eval uint64) bool {
		_, ok := keep[eval]
		return ok
	})
	for _, e := range res.Purged {
		c.logger.Info("purged cache", "eval", e)
	}
	if err != nil {
		return res, fmt.Errorf("error purging cache: %w", err)
	}

	return res, nil
}

// plan skips cached evaluations and reads candidate builds of the others.
func (c *Crawler) plan(evals []uint64, res *Result) ([]*evalJob, error) {
	var (
		jobs []*evalJob
		seen = map[uint64]bool{}
	)
	for _, e := range evals {
		if seen[e] {
			continue
		}
		seen[e] = true

		if entry := c.cache.Entry(e); entry.Exists() {
			c.logger.Info("skipping cached evaluation", "eval", e, "path", entry.Path())
			res.Skipped = append(res.Skipped, e)
			continue
		}
		builds, err := c.input.DependencyFailed(e)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, &evalJob{eval: e, builds: builds})
		res.Builds += len(builds)
	}
	c.logger.Info("found builds with failed dependencies", "builds", res.Builds)

	return jobs, nil
}

func (c *Crawler) crawl(ctx context.Context, jobs []*evalJob, res *Result) error {
	for i, j := range jobs {
		out, err := c.cache.Create(j.eval)
		if err != nil {
			for _, j := range jobs[:i] {
				j.out.Abort()
			}
			return fmt.Errorf("error creating cache entry of eval %d: %w", j.eval, err)
		}
		j.out = out
	}

	var (
		counter progress.Counter
		failed  atomic.Int64
		pubs    errgroup.Group
		workers errgroup.Group

		mu        sync.Mutex
		published = map[uint64]bool{}
	)
	for _, j := range jobs {
		counter.Add(len(j.builds))
		j.wg.Add(len(j.builds))
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if counter.Total() > 0 {
			progress.Monitor(ctx, &counter, c.interval, c.logger)
		}
	}()

	// publish each evaluation as soon as all of its builds are done
	for _, j := range jobs {
		j := j
		pubs.Go(func() error {
			j.wg.Wait()
			if err := ctx.Err(); err != nil {
				j.out.Abort()
				return err
			}
			if err := j.out.Close(); err != nil {
				// only this evaluation is lost, the others are still published
				c.logger.Error("failed publishing evaluation", "eval", j.eval, "err", err)
				return nil
			}
			mu.Lock()
			published[j.eval] = true
			mu.Unlock()
			c.logger.Info("published", "eval", j.eval, "builds", len(j.builds), "records", j.out.Count(), "path", j.out.Entry().Path())
			return nil
		})
	}

	workers.SetLimit(c.jobs)
	for _, j := range jobs {
		j := j
		for _, id := range j.builds {
			id := id
			workers.Go(func() error {
				defer counter.Done()
				defer j.wg.Done()
				if !c.fetchBuild(ctx, j, id) {
					failed.Add(1)
				}
				return nil
			})
		}
	}
	workers.Wait()
	err := pubs.Wait()
	<-monitorDone

	res.Failed = int(failed.Load())
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if published[j.eval] {
			res.Published = append(res.Published, j.eval)
		} else {
			res.Unpublished = append(res.Unpublished, j.eval)
		}
	}
	return nil
}

// fetchBuild writes failed dependencies of build id. Errors are logged and
// only affect this build.
func (c *Crawler) fetchBuild(ctx context.Context, j *evalJob, id uint64) bool {
	b, err := c.fetcher.Fetch(ctx, id)
	if err != nil {
		c.logger.Error("failed fetching dependencies of build", "build", id, "eval", j.eval, "err", err)
		return false
	}
	j.out.Put(b.Lines())
	return true
}
