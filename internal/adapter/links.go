package adapter

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/normalize"
)

// Link is a candidate anchor found on a listing page.
type Link struct {
	URL     string
	Text    string
	Context string
	Index   int
}

// IsPDF reports whether the link's path names a PDF.
func (l Link) IsPDF() bool {
	u, err := url.Parse(l.URL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// Title is the human label of the link, falling back to its surrounding
// text when the anchor says something like "Baixar".
func (l Link) Title() string {
	if len([]rune(l.Text)) >= 4 && !genericAnchor[normalize.Fold(l.Text)] {
		return l.Text
	}
	if l.Context != "" {
		return l.Context
	}
	return l.Text
}

var genericAnchor = map[string]bool{
	"baixar": true, "download": true, "clique aqui": true, "acesse": true,
	"abrir": true, "visualizar": true, "ver mais": true, "saiba mais": true, "arquivo": true,
}

// Anchors lists every http(s) anchor of doc resolved against base, without
// fragments, de-duplicated by canonical URL in document order.
func Anchors(doc *goquery.Document, base *url.URL) []Link {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(b)
		}
	}
	seen := map[string]int{}
	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		canonical, err := crawler.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		text := collapse(s.Text())
		if text == "" {
			text = collapse(s.AttrOr("title", ""))
		}
		if i, ok := seen[canonical]; ok {
			if links[i].Text == "" {
				links[i].Text = text
			}
			return
		}
		seen[canonical] = len(links)
		links = append(links, Link{
			URL:     abs.String(),
			Text:    text,
			Context: anchorContext(s),
			Index:   len(links),
		})
	})
	return links
}

// SelectLinks keeps the anchors the descriptor accepts.
func SelectLinks(doc *goquery.Document, base *url.URL, d Descriptor) []Link {
	var out []Link
	for _, l := range Anchors(doc, base) {
		if d.Accept(base, l, l.Text) {
			out = append(out, l)
		}
	}
	return out
}

// Accept applies the descriptor's predicates to a link whose visible label
// is label. Links off the entry site are only accepted through LinkPattern.
func (d Descriptor) Accept(base *url.URL, l Link, label string) bool {
	folded := normalize.Fold(label)
	patternHit := d.LinkPattern != nil && d.LinkPattern.MatchString(l.URL)
	if !patternHit && !crawler.SameSite(base.String(), l.URL) {
		return false
	}
	if !patternHit && d.score(folded, l.URL) == 0 {
		return false
	}
	if d.RequireURLSubstring != "" && !strings.Contains(l.URL, d.RequireURLSubstring) {
		return false
	}
	if len(d.RequireText) > 0 && !containsAny(folded, d.RequireText) {
		return false
	}
	return !containsAny(folded, d.ExcludePhrases)
}

// score counts distinct keywords present in the label or the URL path.
func (d Descriptor) score(foldedLabel, rawURL string) int {
	urlPath := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		urlPath = u.Path
	}
	urlPath = normalize.Fold(urlPath)
	n := 0
	for _, kw := range d.Keywords {
		if strings.Contains(foldedLabel, kw) || strings.Contains(urlPath, kw) {
			n++
		}
	}
	return n
}

// Rank orders candidates: PDFs first when preferred, then by keyword score,
// then by document order.
func Rank(links []Link, d Descriptor) []Link {
	out := append([]Link(nil), links...)
	scores := make(map[int]int, len(out))
	for _, l := range out {
		scores[l.Index] = d.score(normalize.Fold(l.Text+" "+l.Context), l.URL)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if d.PreferPDF && a.IsPDF() != b.IsPDF() {
			return a.IsPDF()
		}
		if scores[a.Index] != scores[b.Index] {
			return scores[a.Index] > scores[b.Index]
		}
		return a.Index < b.Index
	})
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// maxContextRunes bounds the surrounding text kept for a link.
const maxContextRunes = 160

// anchorContext is the text of the table row or list item holding s. Only
// without one does it fall back to the nearest block element. The result is
// cut at a word boundary within maxContextRunes.
func anchorContext(s *goquery.Selection) string {
	block := s.Closest("tr, li")
	if block.Length() == 0 {
		block = s.Closest("p, article, div")
	}
	return truncateWords(collapse(block.First().Text()), maxContextRunes)
}

func truncateWords(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	cut := string(r[:limit])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
