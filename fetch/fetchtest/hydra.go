// Package fetchtest provides a fake Hydra server for tests.
package fetchtest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Link is an anchor in a build step status column.
type Link struct {
	Href string
	Text string
}

// Step is a build steps table row.
type Step struct {
	StorePath string
	Status    string
	Links     []Link
	// Columns overrides the number of td cells, 5 when zero.
	Columns int
}

// Page describes a build page.
type Page struct {
	// System is the architecture, omitted when empty.
	System string
	Steps  []Step
	// NoSteps omits the build steps table.
	NoSteps bool
}

// HTML renders the page the way Hydra does.
func (p *Page) HTML() string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><title>Build</title></head><body>\n")
	sb.WriteString(`<table class="info-table">` + "\n")
	sb.WriteString("<tr><th>Status:</th><td>Dependency failed</td></tr>\n")
	if p.System != "" {
		fmt.Fprintf(&sb, "<tr><th>System:</th><td><tt>%s</tt></td></tr>\n", html.EscapeString(p.System))
	}
	sb.WriteString("</table>\n")

	if !p.NoSteps {
		sb.WriteString(`<div id="tabs-buildsteps" class="tab-pane">` + "\n")
		sb.WriteString(`<table class="table table-striped table-condensed clickable-rows">` + "\n")
		sb.WriteString("<thead><tr><th>#</th><th>What</th><th>Duration</th><th>Machine</th><th>Status</th></tr></thead>\n")
		for i, s := range p.Steps {
			sb.WriteString(s.html(i + 1))
		}
		sb.WriteString("</table>\n</div>\n")
	}

	sb.WriteString("</body></html>\n")
	return sb.String()
}

func (s *Step) html(n int) string {
	cols := s.Columns
	if cols == 0 {
		cols = 5
	}

	cells := []string{
		strconv.Itoa(n),
		fmt.Sprintf("<tt>%s</tt>", html.EscapeString(s.StorePath)),
		"1m",
		"builder",
	}
	status := html.EscapeString(s.Status)
	if len(s.Links) > 0 {
		var links []string
		for _, l := range s.Links {
			links = append(links, fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(l.Href), html.EscapeString(l.Text)))
		}
		status += " (" + strings.Join(links, ", ") + ")"
	}
	cells = append(cells, status)

	for len(cells) < cols {
		cells = append(cells, "")
	}
	cells = cells[:cols]

	var sb strings.Builder
	sb.WriteString("<tr>")
	for _, c := range cells {
		sb.WriteString("<td>" + c + "</td>")
	}
	sb.WriteString("</tr>\n")
	return sb.String()
}

// Server is a fake Hydra serving /build/<id> pages.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	pages   map[uint64]string
	status  map[uint64][]int
	hits    map[uint64]int
	headers map[uint64]http.Header
}

func NewServer() *Server {
	s := &Server{
		pages:   map[uint64]string{},
		status:  map[uint64][]int{},
		hits:    map[uint64]int{},
		headers: map[uint64]http.Header{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// SetPage serves p for build id.
func (s *Server) SetPage(id uint64, p *Page) {
	s.SetHTML(id, p.HTML())
}

func (s *Server) SetHTML(id uint64, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[id] = content
}

// SetStatus makes the next requests of build id fail with codes, one per request.
func (s *Server) SetStatus(id uint64, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = codes
}

// Hits returns the number of requests of build id.
func (s *Server) Hits(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[id]
}

// Header returns the headers of the last request of build id.
func (s *Server) Header(id uint64) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[id]
}

// TotalHits returns the number of build page requests.
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, h := range s.hits {
		n += h
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/build/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.hits[id]++
	s.headers[id] = r.Header.Clone()
	var code int
	if codes := s.status[id]; len(codes) > 0 {
		code = codes[0]
		s.status[id] = codes[1:]
	}
	page, ok := s.pages[id]
	s.mu.Unlock()

	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, page)
}
