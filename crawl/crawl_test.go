package crawl

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JulienMalka/zhf/cache"
	"github.com/JulienMalka/zhf/evalcache"
	"github.com/JulienMalka/zhf/fetch"
	"github.com/JulienMalka/zhf/fetch/fetchtest"
)

const storePath = "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bbbbbbbbbbbb-pkg"

var lineRe = regexp.MustCompile(`^[^;\n]+;[^;\n]+;[0-9]+\n$`)

type fixture struct {
	root string
	srv  *fetchtest.Server
	c    *Crawler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := fetchtest.NewServer()
	t.Cleanup(srv.Close)

	h, err := fetch.NewHydra("most-important-deps/test",
		fetch.WithBaseURL(srv.URL),
		fetch.WithRetryWait(time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "data")
	c, err := New(Config{Root: root, Jobs: 4, Interval: time.Millisecond}, h, nil)
	require.NoError(t, err)

	return &fixture{root: root, srv: srv, c: c}
}

type fetcherFunc func(ctx context.Context, id uint64) (*fetch.Build, error)

func (f fetcherFunc) Fetch(ctx context.Context, id uint64) (*fetch.Build, error) {
	return f(ctx, id)
}

func (f *fixture) writeEval(t *testing.T, eval string, lines ...string) {
	t.Helper()
	dir := filepath.Join(f.root, "evalcache")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, eval+".cache"), []byte(content), 0o644))
}

func (f *fixture) cachePath(name string) string {
	return filepath.Join(f.root, cache.Subdir, name)
}

func (f *fixture) readCache(t *testing.T, eval string) string {
	t.Helper()
	buf, err := os.ReadFile(f.cachePath(eval + ".cache"))
	require.NoError(t, err)
	return string(buf)
}

func assertLines(t *testing.T, content string) {
	t.Helper()
	for _, l := range strings.SplitAfter(content, "\n") {
		if l == "" {
			continue
		}
		assert.Regexp(t, lineRe, l)
	}
}

func logLink(id string) fetchtest.Link {
	return fetchtest.Link{Href: "/build/" + id, Text: "log"}
}

func buildLink(id string) fetchtest.Link {
	return fetchtest.Link{Href: "/build/" + id, Text: "build " + id}
}

func TestRunLogLink(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux", Steps: []fetchtest.Step{
		{StorePath: storePath + ",foo", Status: "Failed", Links: []fetchtest.Link{logLink("42")}},
	}})

	res, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, res.Published)
	assert.Equal(t, 1, res.Builds)
	assert.Equal(t, 0, res.Failed)

	assert.Equal(t, "bbbbbbbbbbbb-pkg;arch-linux;42\n", f.readCache(t, "100"))
	assert.NoFileExists(t, f.cachePath("100.cache.new"))
}

func TestRunPropagatedBuild(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux", Steps: []fetchtest.Step{
		{StorePath: storePath + ",foo", Status: "Failed", Links: []fetchtest.Link{logLink("42"), buildLink("99")}},
	}})

	_, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbbbbbb-pkg;arch-linux;99\n", f.readCache(t, "100"))
}

func TestRunNoCandidates(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Succeeded")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux"})

	res, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Equal(t, 0, f.srv.TotalHits())
	assert.Equal(t, []uint64{100}, res.Published)
	assert.Equal(t, "", f.readCache(t, "100"))
}

func TestRunPurge(t *testing.T) {
	f := newFixture(t)
	for _, n := range []string{"7.cache", "8.cache", "notes.txt"} {
		require.NoError(t, os.WriteFile(f.cachePath(n), []byte("x;y;1\n"), 0o644))
	}

	res, err := f.c.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{7, 8}, res.Purged)
	assert.FileExists(t, f.cachePath("notes.txt"))
	assert.NoFileExists(t, f.cachePath("7.cache"))
	assert.NoFileExists(t, f.cachePath("8.cache"))
}

func TestRunCached(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux"})
	require.NoError(t, os.WriteFile(f.cachePath("100.cache"), []byte("old;x;1\n"), 0o644))
	require.NoError(t, os.WriteFile(f.cachePath("101.cache"), []byte("old;x;2\n"), 0o644))

	res, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, res.Skipped)
	assert.Empty(t, res.Published)
	assert.Equal(t, []uint64{101}, res.Purged)
	assert.Equal(t, 0, f.srv.TotalHits())
	assert.Equal(t, "old;x;1\n", f.readCache(t, "100"))
}

func TestRunCachedWithoutInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cachePath("100.cache"), nil, 0o644))

	// the eval cache isn't read for cached evaluations
	_, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.FileExists(t, f.cachePath("100.cache"))
}

func TestRunUnpublishedIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux", Steps: []fetchtest.Step{
		{StorePath: storePath, Status: "Failed", Links: []fetchtest.Link{logLink("42")}},
	}})
	require.NoError(t, os.WriteFile(f.cachePath("100.cache.new"), []byte("partial;x;1\n"), 0o644))

	res, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 1, f.srv.Hits(7))
	assert.Equal(t, "bbbbbbbbbbbb-pkg;arch-linux;42\n", f.readCache(t, "100"))
}

func TestRunDuplicateStorePaths(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux", Steps: []fetchtest.Step{
		{StorePath: storePath + ",a", Status: "Failed", Links: []fetchtest.Link{logLink("42")}},
		{StorePath: storePath + ",b", Status: "Cached", Links: []fetchtest.Link{logLink("43")}},
	}})

	_, err := f.c.Run(context.Background(), []uint64{100})
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbbbbbb-pkg;arch-linux;43\n", f.readCache(t, "100"))
}

func TestRunManyBuilds(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100",
		"a 1 p x86_64-linux Dependency failed",
		"b 2 p x86_64-linux Dependency failed",
		"c 3 p x86_64-linux Dependency failed",
		"d 4 p x86_64-linux Build failed",
		"e 5 p x86_64-linux Dependency failed",
	)
	f.writeEval(t, "200", "a 1 p aarch64-linux Dependency failed")

	page := &fetchtest.Page{System: "x86_64-linux", Steps: []fetchtest.Step{
		{StorePath: storePath, Status: "Failed", Links: []fetchtest.Link{logLink("10")}},
		{StorePath: "/nix/store/cccccccccccccccccccccccccccccccc-dddd-lib", Status: "Failed", Links: []fetchtest.Link{logLink("11"), buildLink("12")}},
		{StorePath: "/nix/store/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee-ffff", Status: "Succeeded", Links: []fetchtest.Link{logLink("13")}},
	}}
	f.srv.SetPage(1, page)
	f.srv.SetPage(2, page)
	f.srv.SetPage(3, &fetchtest.Page{System: "x86_64-linux", NoSteps: true}) // parse error
	f.srv.SetPage(4, page)
	// 5 is missing: 404

	res, err := f.c.Run(context.Background(), []uint64{100, 200, 100})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{100, 200}, res.Published)
	assert.Equal(t, 5, res.Builds)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, f.srv.Hits(4))
	assert.Equal(t, 2, f.srv.Hits(1))

	content := f.readCache(t, "100")
	assertLines(t, content)
	// no deduplication across builds
	assert.Equal(t, 2, strings.Count(content, "bbbbbbbbbbbb-pkg;x86_64-linux;10\n"))
	assert.Equal(t, 2, strings.Count(content, "dddd-lib;x86_64-linux;12\n"))
	assert.Equal(t, 4, strings.Count(content, "\n"))

	content = f.readCache(t, "200")
	assertLines(t, content)
	assert.Equal(t, 2, strings.Count(content, "\n"))
}

func TestRunMissingInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Run(context.Background(), []uint64{100})
	assert.ErrorIs(t, err, evalcache.ErrSourceMissing)
	assert.NoFileExists(t, f.cachePath("100.cache"))
	assert.NoFileExists(t, f.cachePath("100.cache.new"))
}

func TestRunMalformedInput(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.writeEval(t, "200", "x seven y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux"})

	_, err := f.c.Run(context.Background(), []uint64{100, 200})
	assert.ErrorIs(t, err, evalcache.ErrMalformedInput)
	assert.Equal(t, 0, f.srv.TotalHits())
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t)
	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.srv.SetPage(7, &fetchtest.Page{System: "arch-linux"})
	require.NoError(t, os.WriteFile(f.cachePath("300.cache"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.c.Run(ctx, []uint64{100})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, f.cachePath("100.cache"))
	assert.NoFileExists(t, f.cachePath("100.cache.new"))
	// nothing is purged after an interrupted crawl
	assert.FileExists(t, f.cachePath("300.cache"))
}

func TestRunWriteFailureIsIsolated(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	fetcher := fetcherFunc(func(_ context.Context, id uint64) (*fetch.Build, error) {
		if id == 7 {
			// occupy the published path of eval 100, its entry can't be renamed into place
			assert.NoError(t, os.MkdirAll(filepath.Join(root, cache.Subdir, "100.cache", "x"), 0o755))
		}
		return &fetch.Build{ID: id, System: "x86_64-linux", Deps: map[string]*fetch.Dependency{
			storePath: {StorePath: storePath, Name: "bbbbbbbbbbbb-pkg", System: "x86_64-linux", Origin: id},
		}}, nil
	})
	c, err := New(Config{Root: root, Jobs: 2, Interval: time.Millisecond}, fetcher, nil)
	require.NoError(t, err)
	f := &fixture{root: root, c: c}

	f.writeEval(t, "100", "x 7 y z Dependency failed")
	f.writeEval(t, "200", "x 8 y z Dependency failed")
	require.NoError(t, os.WriteFile(f.cachePath("300.cache"), nil, 0o644))

	res, err := f.c.Run(context.Background(), []uint64{100, 200})
	require.NoError(t, err)
	assert.Equal(t, []uint64{200}, res.Published)
	assert.Equal(t, []uint64{100}, res.Unpublished)
	assert.Equal(t, []uint64{300}, res.Purged)

	assert.NoFileExists(t, f.cachePath("100.cache.new"))
	assert.DirExists(t, f.cachePath("100.cache"))
	assert.Equal(t, "bbbbbbbbbbbb-pkg;x86_64-linux;8\n", f.readCache(t, "200"))
}
