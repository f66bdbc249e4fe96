package fetcher

import (
	"bytes"
	"strings"
)

// DefaultBlockPatterns are the case-insensitive markers of CAPTCHA and WAF
// interstitials used when configuration supplies none.
var DefaultBlockPatterns = []string{
	"captcha",
	"recaptcha",
	"hcaptcha",
	"cf-chl",
	"attention required",
	"access denied",
	"forbidden",
	"request rejected",
	"web application firewall",
}

const maxScanBytes = 512 << 10

var pdfMagic = []byte("%PDF")

// BlockDetector flags responses that carry a block signature. Matching is
// approximate; tune the pattern set through configuration.
type BlockDetector struct {
	patterns []string
}

// NewBlockDetector lowercases and de-duplicates patterns. An empty list uses
// DefaultBlockPatterns.
func NewBlockDetector(patterns []string) *BlockDetector {
	if len(patterns) == 0 {
		patterns = DefaultBlockPatterns
	}
	seen := make(map[string]struct{}, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return &BlockDetector{patterns: out}
}

// Patterns returns the active pattern set.
func (d *BlockDetector) Patterns() []string {
	return append([]string(nil), d.patterns...)
}

// Match returns the first pattern found in body. PDF bodies are never
// challenge pages and are not scanned.
func (d *BlockDetector) Match(body []byte) (string, bool) {
	if d == nil || len(body) == 0 || bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), pdfMagic) {
		return "", false
	}
	if len(body) > maxScanBytes {
		body = body[:maxScanBytes]
	}
	lower := bytes.ToLower(body)
	for _, p := range d.patterns {
		if bytes.Contains(lower, []byte(p)) {
			return p, true
		}
	}
	return "", false
}
