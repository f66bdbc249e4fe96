package adapter

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Overrides are named behaviours a source can opt into. Nil fields use the
// generic implementation.
type Overrides struct {
	SelectLinks func(doc *goquery.Document, base *url.URL, d Descriptor) []Link
	Rank        func(links []Link, d Descriptor) []Link
}

// Generic is the name of the default adapter.
const Generic = "generic"

// Registry maps adapter names to overrides.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Overrides
}

// NewRegistry returns a registry preloaded with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{m: map[string]Overrides{}}
	r.Register(Generic, Overrides{})
	r.Register("gazette", Overrides{SelectLinks: selectPDFLinks})
	r.Register("listing-table", Overrides{SelectLinks: selectByRow})
	return r
}

// Register adds or replaces a named override set.
func (r *Registry) Register(name string, o Overrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = o
}

// Lookup returns the overrides for name; an empty name means Generic.
func (r *Registry) Lookup(name string) (Overrides, error) {
	if name == "" {
		name = Generic
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.m[name]
	if !ok {
		return Overrides{}, fmt.Errorf("unknown adapter %q", name)
	}
	return o, nil
}

// Names lists registered adapters in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// selectPDFLinks serves gazettes, whose listing pages link every issue as a
// PDF: only PDF anchors are candidates.
func selectPDFLinks(doc *goquery.Document, base *url.URL, d Descriptor) []Link {
	var out []Link
	for _, l := range SelectLinks(doc, base, d) {
		if l.IsPDF() {
			out = append(out, l)
		}
	}
	return out
}

// selectByRow serves boards that list contests in table rows with generic
// "Baixar" anchors: the row text is matched instead of the anchor text.
func selectByRow(doc *goquery.Document, base *url.URL, d Descriptor) []Link {
	var out []Link
	for _, l := range Anchors(doc, base) {
		label := l.Text
		if l.Context != "" {
			label = l.Context
		}
		if d.Accept(base, l, label) {
			out = append(out, l)
		}
	}
	return out
}
