// Package adapter turns a source's listing page into discovered contests and
// the normalized text of its best document. Per-source behaviour is data: a
// Descriptor built from the catalogue plus optional named Overrides.
package adapter

import (
	"fmt"
	"regexp"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/normalize"
)

// DefaultLinkKeywords mark links that point at announcements.
var DefaultLinkKeywords = []string{"edital", "retifica", "comunicado", "abertura", "concurso"}

// DefaultMaxCandidates bounds how many candidate documents are fetched per
// entry page.
const DefaultMaxCandidates = 5

// Descriptor is the tagged heuristic value driving link selection for one
// source.
type Descriptor struct {
	Keywords            []string
	LinkPattern         *regexp.Regexp
	RequireText         []string
	ExcludePhrases      []string
	RequireURLSubstring string
	PreferPDF           bool
	MaxCandidates       int
}

// DescriptorFor builds the descriptor of src. Keywords and phrases are folded
// once here so matching is case and accent insensitive.
func DescriptorFor(src crawler.Source) (Descriptor, error) {
	d := Descriptor{
		Keywords:            foldAll(src.Keywords),
		RequireText:         foldAll(src.Filters.RequireText),
		ExcludePhrases:      foldAll(src.Filters.ExcludePhrases),
		RequireURLSubstring: src.Filters.RequireURLSubstring,
		PreferPDF:           src.PreferPDF == nil || *src.PreferPDF,
		MaxCandidates:       DefaultMaxCandidates,
	}
	if len(d.Keywords) == 0 {
		d.Keywords = foldAll(DefaultLinkKeywords)
	}
	if src.LinkPattern != "" {
		re, err := regexp.Compile(src.LinkPattern)
		if err != nil {
			return Descriptor{}, fmt.Errorf("source %s: link pattern: %w", src.Slug, err)
		}
		d.LinkPattern = re
	}
	return d, nil
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if f := normalize.Fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
