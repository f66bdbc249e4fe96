// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"time"
)

// RenderMode selects the fetch strategy a source starts with.
type RenderMode string

// Render modes accepted in the source catalogue.
const (
	RenderStatic   RenderMode = "static"
	RenderHeadless RenderMode = "headless"
)

// Filters narrows the candidate links an adapter will consider for a source.
type Filters struct {
	RequireText         []string `yaml:"require_text" json:"require_text,omitempty"`
	ExcludePhrases      []string `yaml:"exclude_phrases" json:"exclude_phrases,omitempty"`
	RequireURLSubstring string   `yaml:"require_url_substring" json:"require_url_substring,omitempty"`
}

// Source is one external board or gazette configured for discovery.
// Sources are loaded once at startup and never mutated afterwards.
type Source struct {
	Slug        string     `yaml:"slug" json:"slug" validate:"required,max=64"`
	Name        string     `yaml:"name" json:"name"`
	EntryURLs   []string   `yaml:"entry_urls" json:"entry_urls" validate:"required,min=1,dive,url"`
	Render      RenderMode `yaml:"render" json:"render" validate:"omitempty,oneof=static headless"`
	LinkPattern string     `yaml:"link_pattern" json:"link_pattern,omitempty"`
	Filters     Filters    `yaml:"filters" json:"filters"`
	Keywords    []string   `yaml:"keywords" json:"keywords,omitempty"`
	Adapter     string     `yaml:"adapter" json:"adapter,omitempty"`
	PreferPDF   *bool      `yaml:"prefer_pdf" json:"prefer_pdf,omitempty"`
	Disabled    bool       `yaml:"disabled" json:"disabled"`
}

// FetchMode tells the transport which strategy to use for a single request.
type FetchMode string

// Fetch modes.
const (
	ModeStatic   FetchMode = "static"
	ModeHeadless FetchMode = "headless"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SourceID string
	URL      string
	Mode     FetchMode
}

// FetchResult is the transient output of one fetch. It is owned by the caller
// that issued the fetch.
type FetchResult struct {
	URL          string
	FinalURL     string
	ContentType  string
	Body         []byte
	StatusCode   int
	Blocked      bool
	UsedHeadless bool
	Duration     time.Duration
}

// Format is the detected document format.
type Format string

// Supported document formats.
const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

// ExtractedDocument is plain text plus the format it came from.
type ExtractedDocument struct {
	Text   string
	Format Format
	Pages  []string
}

// SubjectBucket groups content chunks under a subject name. Concatenating
// Chunks in order yields the bucket's source text exactly.
type SubjectBucket struct {
	Name   string   `json:"name"`
	Chunks []string `json:"chunks"`
}

// Text joins the bucket's chunks back into its source text.
func (b SubjectBucket) Text() string {
	n := 0
	for _, c := range b.Chunks {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range b.Chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}

// ContestStatus is the lifecycle label stored with a discovered contest.
type ContestStatus string

// Contest statuses.
const (
	ContestOpen    ContestStatus = "open"
	ContestUnknown ContestStatus = "unknown"
)

// DiscoveredContest is persisted once per (SourceID, ExternalID).
type DiscoveredContest struct {
	SourceID    string          `json:"source_id"`
	ExternalID  string          `json:"external_id"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	Status      ContestStatus   `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ContentHash string          `json:"content_hash"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// UpsertResult reports what an upsert did to the stored contest row.
type UpsertResult struct {
	Created      bool
	PreviousHash string
}

// Changed reports whether the stored content hash differs from hash.
func (r UpsertResult) Changed(hash string) bool {
	return r.Created || r.PreviousHash != hash
}

// ContestUpdateEvent is appended only when a contest's content hash changes.
type ContestUpdateEvent struct {
	SourceID     string    `json:"source_id"`
	ExternalID   string    `json:"external_id"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	ContentHash  string    `json:"content_hash"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Outcome classifies one fetch for telemetry.
type Outcome string

// Fetch outcomes.
const (
	OutcomeOK        Outcome = "ok"
	Outcome4xx       Outcome = "4xx"
	Outcome5xx       Outcome = "5xx"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTransport Outcome = "error"
)

// DomainCounter is the additive per (domain, window) telemetry aggregate.
type DomainCounter struct {
	Domain      string    `json:"domain"`
	WindowStart time.Time `json:"window_start"`
	OK          int64     `json:"ok_count"`
	Client4xx   int64     `json:"count_4xx"`
	Server5xx   int64     `json:"count_5xx"`
	Blocked     int64     `json:"blocked_count"`
	Errors      int64     `json:"error_count"`
	Bytes       int64     `json:"bytes"`
	CacheHits   int64     `json:"cache_hits"`
}

// Total returns the number of recorded requests in the window.
func (c DomainCounter) Total() int64 {
	return c.OK + c.Client4xx + c.Server5xx + c.Blocked + c.Errors
}

// CounterDelta is one additive increment applied to a DomainCounter row.
type CounterDelta struct {
	Domain      string
	WindowStart time.Time
	Outcome     Outcome
	Bytes       int64
	CacheHit    bool
}

// Apply adds the delta to c. Unknown outcomes count as errors.
func (d CounterDelta) Apply(c *DomainCounter) {
	switch d.Outcome {
	case OutcomeOK:
		c.OK++
	case Outcome4xx:
		c.Client4xx++
	case Outcome5xx:
		c.Server5xx++
	case OutcomeBlocked:
		c.Blocked++
	default:
		c.Errors++
	}
	if d.Bytes > 0 {
		c.Bytes += d.Bytes
	}
	if d.CacheHit {
		c.CacheHits++
	}
}

// TicketStatus is the state of a manual review ticket.
type TicketStatus string

// Ticket statuses. Only a human moves a ticket out of open.
const (
	TicketOpen     TicketStatus = "open"
	TicketResolved TicketStatus = "resolved"
	TicketIgnored  TicketStatus = "ignored"
)

// ManualReviewTicket escalates a source/URL the pipeline cannot safely access.
type ManualReviewTicket struct {
	ID        string       `json:"id"`
	SourceID  string       `json:"source_id"`
	URL       string       `json:"url"`
	Reason    string       `json:"reason"`
	Status    TicketStatus `json:"status"`
	Notes     string       `json:"notes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SourceState is a node of the per-source run state machine.
type SourceState string

// Source run states.
const (
	StatePending    SourceState = "pending"
	StateFetching   SourceState = "fetching"
	StateDiscovered SourceState = "discovered"
	StateFailed     SourceState = "failed"
	StateSkipped    SourceState = "skipped"
)

// SourceRun is the outcome of processing one source.
type SourceRun struct {
	Slug     string        `json:"slug"`
	State    SourceState   `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Found    int           `json:"found"`
	Saved    int           `json:"saved"`
	Rejected int           `json:"rejected"`
	Duration time.Duration `json:"duration"`
}

// RunSummary aggregates a run over many sources.
type RunSummary struct {
	TotalFound int         `json:"total_found"`
	TotalSaved int         `json:"total_saved"`
	Sources    []SourceRun `json:"sources"`
}

// Add folds a source run into the summary.
func (s *RunSummary) Add(run SourceRun) {
	s.TotalFound += run.Found
	s.TotalSaved += run.Saved
	s.Sources = append(s.Sources, run)
}

// Handoff is published downstream for each new or changed contest.
type Handoff struct {
	SourceID    string          `json:"source_id"`
	ExternalID  string          `json:"external_id"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	DocumentURL string          `json:"document_url,omitempty"`
	ArchiveURI  string          `json:"archive_uri,omitempty"`
	ContentHash string          `json:"content_hash"`
	Buckets     []SubjectBucket `json:"buckets"`
	Discovered  time.Time       `json:"discovered_at"`
}

// RunTrigger asks the serve loop to run one source, or all of them when Slug
// is empty.
type RunTrigger struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
