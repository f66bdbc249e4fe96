package fetcher

import "strings"

// HostDenylist holds hosts that are never fetched. Entries are exact hosts or
// suffix wildcards written "*.example.org" or ".example.org".
type HostDenylist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostDenylist parses patterns. It returns nil when nothing is denied.
func NewHostDenylist(patterns []string) *HostDenylist {
	d := &HostDenylist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			d.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			d.addSuffix(strings.TrimPrefix(value, "."))
		default:
			d.exact[value] = struct{}{}
		}
	}
	if len(d.exact) == 0 && len(d.suffixes) == 0 {
		return nil
	}
	return d
}

func (d *HostDenylist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range d.suffixes {
		if existing == suffix {
			return
		}
	}
	d.suffixes = append(d.suffixes, suffix)
}

// Denied reports whether host matches an entry. A nil list denies nothing.
func (d *HostDenylist) Denied(host string) bool {
	if d == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := d.exact[host]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
