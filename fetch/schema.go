package fetch

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Hydra build page structure, e.g. https://hydra.nixos.org/build/247000000
//
//	<table class="info-table">
//	  ...
//	  <tr><th>System:</th><td><tt>x86_64-linux</tt></td></tr>
//	  ...
//	</table>
//	...
//	<div id="tabs-buildsteps" class="tab-pane">
//	  <table class="table table-striped table-condensed clickable-rows">
//	    <tr>
//	      <td>1</td>
//	      <td><tt>/nix/store/0c1...-gcc-12.3.0.drv, /nix/store/a8d...-gcc-12.3.0</tt></td>
//	      <td>...</td>
//	      <td>...</td>
//	      <td><span class="error">Failed</span> (<a href="https://hydra.nixos.org/build/246999000/nixlog/1">log</a>,
//	          <a href="https://hydra.nixos.org/build/246999000">build 246999000</a>)</td>
//	    </tr>
//	    ...
//	  </table>
//	</div>
const (
	systemSelector     = ".info-table tt"
	stepsSelector      = "#tabs-buildsteps table.clickable-rows"
	stepRowSelector    = "tr"
	stepColSelector    = "td"
	stepColumns        = 5
	storePathCol       = 1
	storePathSelector  = "tt"
	statusCol          = 4
	statusLinkSelector = "a"

	logLinkText   = "log"
	buildLinkText = "build "

	// /nix/store/<32 chars hash>-
	storePathPrefixLen = 44
	// path segment preceding the build ID in links, https://host[/prefix]/build/<id>/...
	buildSegment = "build"
)

var failedStatuses = []string{"Failed", "Cached"}

// ParseBuild extracts failed dependencies from a build page document.
// resolve turns page links into absolute URLs.
func ParseBuild(doc *goquery.Selection, resolve func(href string) string) (*Build, error) {
	sys := doc.Find(systemSelector).First()
	if sys.Length() == 0 {
		return nil, fmt.Errorf("%w: no architecture found", ErrParse)
	}
	system := sys.Text()
	if !validField(system) {
		return nil, fmt.Errorf("%w: invalid architecture %q", ErrParse, system)
	}

	steps := doc.Find(stepsSelector).First()
	if steps.Length() == 0 {
		return nil, fmt.Errorf("%w: no build steps found", ErrParse)
	}

	b := &Build{
		System: system,
		Deps:   map[string]*Dependency{},
	}

	var err error
	steps.Find(stepRowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		var d *Dependency
		d, err = parseStep(row, system, resolve)
		if err != nil {
			return false
		}
		if d != nil {
			b.Deps[d.StorePath] = d
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return b, nil
}

// parseStep returns the failed dependency of one build step row, or nil if
// the row is not a failed step.
func parseStep(row *goquery.Selection, system string, resolve func(string) string) (*Dependency, error) {
	cols := row.ChildrenFiltered(stepColSelector)
	if cols.Length() != stepColumns {
		return nil, nil
	}

	status := cols.Eq(statusCol)
	if !isFailed(status.Text()) {
		return nil, nil
	}

	var (
		href   string
		chosen bool
	)
	status.Find(statusLinkSelector).Each(func(_ int, a *goquery.Selection) {
		text := a.Text()
		// prefer the propagated build link over the log link
		if (!chosen && text == logLinkText) || strings.HasPrefix(text, buildLinkText) {
			href, chosen = a.Attr("href")
		}
	})
	if !chosen {
		return nil, nil // retried build
	}

	tt := cols.Eq(storePathCol).Find(storePathSelector).First()
	if tt.Length() == 0 {
		return nil, fmt.Errorf("%w: no store path found", ErrParse)
	}
	storePath, _, _ := strings.Cut(tt.Text(), ",")
	if len(storePath) <= storePathPrefixLen {
		return nil, fmt.Errorf("%w: invalid store path %q", ErrParse, storePath)
	}
	name := storePath[storePathPrefixLen:]
	if !validField(name) {
		return nil, fmt.Errorf("%w: invalid store path name %q", ErrParse, name)
	}

	origin, err := buildID(resolve(href))
	if err != nil {
		return nil, err
	}

	return &Dependency{
		StorePath: storePath,
		Name:      name,
		System:    system,
		Origin:    origin,
	}, nil
}

func isFailed(status string) bool {
	for _, s := range failedStatuses {
		if strings.Contains(status, s) {
			return true
		}
	}
	return false
}

func buildID(link string) (uint64, error) {
	u, err := url.Parse(link)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid link %q", ErrParse, link)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segs)-1; i++ {
		if segs[i] != buildSegment {
			continue
		}
		// Hydra may be served under a path prefix that contains "build" itself
		if id, err := strconv.ParseUint(segs[i+1], 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no build ID in link %q", ErrParse, link)
}

// validField reports whether s can be stored in a record field.
func validField(s string) bool {
	return s != "" && !strings.ContainsAny(s, ";\n")
}
