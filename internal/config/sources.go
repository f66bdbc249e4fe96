package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Catalogue is the on-disk shape of the source list.
type Catalogue struct {
	Sources []crawler.Source `yaml:"sources" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadSources reads and validates the source catalogue at path. Any error is
// a startup misconfiguration.
func LoadSources(path string) ([]crawler.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	srcs, err := ParseSources(data)
	if err != nil {
		return nil, fmt.Errorf("sources %s: %w", path, err)
	}
	return srcs, nil
}

// ParseSources decodes a catalogue strictly: unknown keys, duplicate slugs,
// bad URLs and invalid link patterns are rejected.
func ParseSources(data []byte) ([]crawler.Source, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cat Catalogue
	if err := dec.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalogue is empty")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(cat); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	seen := make(map[string]struct{}, len(cat.Sources))
	for i := range cat.Sources {
		src := &cat.Sources[i]
		if _, dup := seen[src.Slug]; dup {
			return nil, fmt.Errorf("duplicate slug %q", src.Slug)
		}
		seen[src.Slug] = struct{}{}
		if src.Render == "" {
			src.Render = crawler.RenderStatic
		}
		if src.LinkPattern != "" {
			if _, err := regexp.Compile(src.LinkPattern); err != nil {
				return nil, fmt.Errorf("source %s: link_pattern: %w", src.Slug, err)
			}
		}
	}
	return cat.Sources, nil
}
