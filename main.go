package main

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/dmgk/getopt"
	"github.com/mattn/go-isatty"

	"github.com/JulienMalka/zhf/crawl"
	"github.com/JulienMalka/zhf/fetch"
	"github.com/JulienMalka/zhf/progress"
)

var usageTmpl = template.Must(template.New("usage").Parse(`
usage: {{.progname}} [-hvV] [-d dir] [-u url] [-j jobs] [-r retries] [-i interval] eval [eval ...]

Collect failed dependencies of Hydra evaluations.

Builds with the "Dependency failed" status are read from dir/evalcache/eval.cache,
their build pages are scraped and failed dependencies are written to
dir/mostimportantcache/eval.cache. Cached evaluations are skipped, cache entries
of evaluations not listed are removed.

Options:
  -h              show help and exit
  -V              show version and exit
  -v              log debug messages
  -d dir          data directory (default: {{.dataDir}})
  -u url          Hydra URL (default: {{.baseURL}})
  -j jobs         number of parallel fetches (default: {{.jobs}})
  -r retries      maximum number of retries of transient errors (default: {{.retries}})
  -i interval     progress report interval (default: {{.interval}})
`[1:]))

var (
	progname = "most-important-deps"
	version  = "devel"
	dataDir  = "data"
	baseURL  = fetch.DefaultBaseURL
	jobs     = crawl.DefaultJobs
	retries  = fetch.DefaultRetries
	interval = progress.DefaultInterval
	verbose  bool
)

func showUsage() {
	err := usageTmpl.Execute(os.Stdout, map[string]any{
		"progname": progname,
		"dataDir":  dataDir,
		"baseURL":  baseURL,
		"jobs":     jobs,
		"retries":  retries,
		"interval": interval,
	})
	if err != nil {
		panic(fmt.Sprintf("error executing template %s: %v", usageTmpl.Name(), err))
	}
}

func showVersion() {
	fmt.Printf("%s %s\n", progname, version)
}

func errExit(format string, v ...any) {
	fmt.Fprint(os.Stderr, progname, ": ")
	fmt.Fprintf(os.Stderr, format, v...)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

func main() {
	opts, err := getopt.NewArgv("hVvd:u:j:r:i:", argsWithDefaults(os.Args, "MIDEPS_OPTS"))
	if err != nil {
		panic(fmt.Sprintf("error creating options parser: %s", err))
	}
	progname = opts.ProgramName()

	for opts.Scan() {
		opt, err := opts.Option()
		if err != nil {
			errExit("%s", err)
		}

		switch opt.Opt {
		case 'h':
			showUsage()
			os.Exit(0)
		case 'V':
			showVersion()
			os.Exit(0)
		case 'v':
			verbose = true
		case 'd':
			dataDir = opt.String()
		case 'u':
			baseURL = opt.String()
		case 'j':
			v, err := parseJobs(opt.String())
			if err != nil {
				errExit("-j: %s", err)
			}
			jobs = v
		case 'r':
			v, err := parseRetries(opt.String())
			if err != nil {
				errExit("-r: %s", err)
			}
			retries = v
		case 'i':
			d, err := parseInterval(opt.String())
			if err != nil {
				errExit("-i: %s", err)
			}
			interval = d
		default:
			panic("unhandled option: -" + string(opt.Opt))
		}
	}

	args := opts.Args()

	// read evaluation IDs from stdin if it's not a tty
	// this allows feeding IDs from e.g. crawl-jobset: `crawl-jobset nixos trunk-combined | cut -d' ' -f1 | most-important-deps`
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		sc := bufio.NewScanner(os.Stdin)
		sc.Split(bufio.ScanWords)
		for sc.Scan() {
			args = append(args, sc.Text())
		}
	}

	evals, err := parseEvals(args)
	if err != nil {
		errExit("%s", err)
	}

	os.Exit(run(evals))
}

func parseEvals(args []string) ([]uint64, error) {
	evals := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid evaluation id: %s", a)
		}
		evals = append(evals, id)
	}
	return evals, nil
}

func parseJobs(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid number of jobs: %d", v)
	}
	return v, nil
}

func parseRetries(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid number of retries: %d", v)
	}
	return v, nil
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid interval: %s", d)
	}
	return d, nil
}

func run(evals []uint64) int {
	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// a second signal terminates the process right away
	context.AfterFunc(ctx, stop)

	f, err := fetch.NewHydra(fmt.Sprintf("%s/%s", progname, version),
		fetch.WithBaseURL(baseURL),
		fetch.WithRetries(retries),
		fetch.WithLogger(logger),
	)
	if err != nil {
		errExit("error initializing fetcher: %s", err)
	}

	c, err := crawl.New(crawl.Config{
		Root:     dataDir,
		Jobs:     jobs,
		Interval: interval,
	}, f, logger)
	if err != nil {
		errExit("%s", err)
	}

	res, err := c.Run(ctx, evals)
	if err != nil {
		errExit("%s", err)
	}
	logger.Info("done",
		"published", len(res.Published),
		"unpublished", len(res.Unpublished),
		"skipped", len(res.Skipped),
		"purged", len(res.Purged),
		"builds", res.Builds,
		"failed", res.Failed,
	)
	if len(res.Unpublished) > 0 {
		logger.Error("evaluations could not be published", "evals", res.Unpublished)
		return 1
	}

	return 0
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func argsWithDefaults(argv []string, env string) []string {
	args := argv[1:]
	if v, ok := os.LookupEnv(env); ok && v != "" {
		args = append(splitOptions(v), args...)
	}
	return append([]string{argv[0]}, args...)
}

func splitOptions(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
}
