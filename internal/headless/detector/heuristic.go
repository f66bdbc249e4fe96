// Package detector decides when a static fetch should be retried in the
// headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold defaults to 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

var noscriptHints = []string{
	"enable javascript",
	"habilite o javascript",
	"requires javascript",
}

// ShouldPromote reports whether a successful static HTML response looks like
// an application shell whose content only appears after scripts run.
func (h *Heuristic) ShouldPromote(res crawler.FetchResult) bool {
	if res.StatusCode != 200 || res.UsedHeadless {
		return false
	}
	if ct := strings.ToLower(res.ContentType); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	body := res.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(body) >= h.BodyLengthThreshold {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, hint := range noscriptHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return scriptCoverage(lower)*100/len(lower) >= 25
}

// scriptCoverage counts bytes inside <script> elements. An unclosed element
// covers the rest of the document.
func scriptCoverage(lower string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			return covered
		}
		start := pos + rel
		end := len(lower)
		if relEnd := strings.Index(lower[start:], closeTag); relEnd != -1 {
			end = start + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
}
