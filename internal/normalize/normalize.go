// Package normalize splits extracted text into subject buckets of bounded
// chunks. The split is structural and lossless: no character is added,
// dropped or reordered within a bucket.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/editalwatch/discovery/internal/crawler"
)

// DefaultChunkSize is the chunk length in characters (runes).
const DefaultChunkSize = 500

// DefaultBucket receives lines seen before any subject heading.
const DefaultBucket = "Geral"

// Subject is a named bucket and the keywords that open it.
type Subject struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// DefaultSubjects is the Portuguese subject table used when configuration
// supplies none.
var DefaultSubjects = []Subject{
	{Name: "Língua Portuguesa", Keywords: []string{"língua portuguesa", "português"}},
	{Name: "Matemática", Keywords: []string{"matemática"}},
	{Name: "Raciocínio Lógico", Keywords: []string{"raciocínio lógico"}},
	{Name: "Informática", Keywords: []string{"informática"}},
	{Name: "Direito Constitucional", Keywords: []string{"direito constitucional"}},
	{Name: "Direito Administrativo", Keywords: []string{"direito administrativo"}},
	{Name: "Conhecimentos Específicos", Keywords: []string{"conhecimentos específicos"}},
	{Name: "Legislação", Keywords: []string{"legislação"}},
	{Name: "Atualidades", Keywords: []string{"atualidades", "conhecimentos gerais"}},
}

// Normalizer buckets text by subject keywords.
type Normalizer struct {
	subjects      []Subject
	folded        [][]string
	chunkSize     int
	defaultBucket string
}

// New builds a Normalizer. Empty arguments fall back to the defaults.
func New(subjects []Subject, chunkSize int, defaultBucket string) *Normalizer {
	if len(subjects) == 0 {
		subjects = DefaultSubjects
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if defaultBucket == "" {
		defaultBucket = DefaultBucket
	}
	folded := make([][]string, len(subjects))
	for i, s := range subjects {
		for _, kw := range s.Keywords {
			if k := Fold(kw); k != "" {
				folded[i] = append(folded[i], k)
			}
		}
	}
	return &Normalizer{subjects: subjects, folded: folded, chunkSize: chunkSize, defaultBucket: defaultBucket}
}

// Normalize assigns every line of text to a bucket and chunks each bucket.
// A line containing a subject keyword opens (or reopens) that subject's
// bucket; following lines stay there until another keyword appears. Buckets
// are ordered by first appearance.
func (n *Normalizer) Normalize(text string) []crawler.SubjectBucket {
	if text == "" {
		return nil
	}
	order := []string{}
	texts := map[string]*strings.Builder{}
	for _, a := range n.assign(text) {
		sb, ok := texts[a.bucket]
		if !ok {
			sb = &strings.Builder{}
			texts[a.bucket] = sb
			order = append(order, a.bucket)
		}
		sb.WriteString(a.line)
	}
	out := make([]crawler.SubjectBucket, 0, len(order))
	for _, name := range order {
		out = append(out, crawler.SubjectBucket{Name: name, Chunks: Chunk(texts[name].String(), n.chunkSize)})
	}
	return out
}

type assignment struct {
	line   string
	bucket string
}

// assign splits text after each '\n' so terminators stay with their line.
func (n *Normalizer) assign(text string) []assignment {
	lines := strings.SplitAfter(text, "\n")
	out := make([]assignment, 0, len(lines))
	current := n.defaultBucket
	for _, line := range lines {
		if line == "" {
			continue
		}
		if name, ok := n.match(line); ok {
			current = name
		}
		out = append(out, assignment{line: line, bucket: current})
	}
	return out
}

func (n *Normalizer) match(line string) (string, bool) {
	folded := Fold(line)
	for i, keywords := range n.folded {
		for _, kw := range keywords {
			if strings.Contains(folded, kw) {
				return n.subjects[i].Name, true
			}
		}
	}
	return "", false
}

// Chunk splits s into pieces of at most size runes. Joining the pieces
// yields s.
func Chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	start, count := 0, 0
	for i := range s {
		if count == size {
			chunks = append(chunks, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, s[start:])
}

// Fold lowercases s and strips combining marks so "MATEMÁTICA" matches
// "matematica".
func Fold(s string) string {
	// Chained transformers are stateful; build one per call.
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(folder, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
