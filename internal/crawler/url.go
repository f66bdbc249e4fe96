package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and fragments, and
// sorts query parameters. A trailing slash on a non-root path is dropped.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url %q: missing scheme or host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// Host returns the lowercase hostname of rawURL, or "unknown".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ExternalID derives the stable identifier of a document within a source from
// its canonical URL.
func ExternalID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])[:32]
}

// ContentHash fingerprints the fields whose change is recorded as an update.
func ContentHash(title, canonicalURL, sourceID string) string {
	h := sha256.New()
	for _, part := range []string{sourceID, canonicalURL, strings.TrimSpace(title)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SameSite reports whether candidate lives on the same registrable host as base,
// treating a leading "www." as insignificant.
func SameSite(base, candidate string) bool {
	strip := func(h string) string { return strings.TrimPrefix(h, "www.") }
	return strip(Host(base)) == strip(Host(candidate))
}
