package discovery

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/adapter"
	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/normalize"
)

// contestMetadata is stored as JSON next to every contest. Only the contest
// whose document was normalized carries the document fields.
type contestMetadata struct {
	EntryURL    string                `json:"entry_url"`
	DocumentURL string                `json:"document_url,omitempty"`
	Format      crawler.Format        `json:"format,omitempty"`
	Subjects    []string              `json:"subjects,omitempty"`
	PageRanges  []normalize.PageRange `json:"page_ranges,omitempty"`
}

// build validates one candidate and derives its natural key and hash. It
// returns false for candidates that must be rejected.
func build(src crawler.Source, cand adapter.ContestCandidate, seen map[string]struct{}) (crawler.DiscoveredContest, bool) {
	title := strings.Join(strings.Fields(cand.Title), " ")
	if title == "" || cand.URL == "" {
		return crawler.DiscoveredContest{}, false
	}
	canonical, err := crawler.NormalizeURL(cand.URL)
	if err != nil {
		return crawler.DiscoveredContest{}, false
	}
	externalID := crawler.ExternalID(canonical)
	if _, dup := seen[externalID]; dup {
		return crawler.DiscoveredContest{}, false
	}
	seen[externalID] = struct{}{}
	return crawler.DiscoveredContest{
		SourceID:    src.Slug,
		ExternalID:  externalID,
		Title:       title,
		URL:         canonical,
		Status:      crawler.ContestOpen,
		ContentHash: crawler.ContentHash(title, canonical, src.Slug),
	}, true
}

// persist upserts every contest of one adapter result and hands the new or
// changed ones downstream.
func (o *Orchestrator) persist(
	ctx context.Context,
	src crawler.Source,
	res adapter.Result,
	seen map[string]struct{},
	run *crawler.SourceRun,
	logger *zap.Logger,
) {
	documentKey := ""
	if res.CandidateURL != "" {
		if canonical, err := crawler.NormalizeURL(res.CandidateURL); err == nil {
			documentKey = crawler.ExternalID(canonical)
		}
	}
	archiveURI := ""
	archived := false

	for _, cand := range res.Contests {
		run.Found++
		contest, ok := build(src, cand, seen)
		if !ok {
			run.Rejected++
			logger.Debug("candidate rejected", zap.String("url", cand.URL), zap.String("title", cand.Title))
			continue
		}
		ownsDocument := contest.ExternalID == documentKey
		contest.Metadata = metadataFor(res, ownsDocument)
		now := o.clock.Now()
		contest.FirstSeen, contest.LastSeen = now, now

		up, err := o.store.UpsertContest(ctx, contest)
		if err != nil {
			logger.Error("upsert contest", zap.String("url", contest.URL), zap.Error(err))
			continue
		}
		if !up.Changed(contest.ContentHash) {
			continue
		}
		if err := o.store.AppendUpdateEvent(ctx, crawler.ContestUpdateEvent{
			SourceID:     contest.SourceID,
			ExternalID:   contest.ExternalID,
			PreviousHash: up.PreviousHash,
			ContentHash:  contest.ContentHash,
			RecordedAt:   now,
		}); err != nil {
			logger.Error("append update event", zap.String("url", contest.URL), zap.Error(err))
		}
		run.Saved++

		handoff := crawler.Handoff{
			SourceID:    contest.SourceID,
			ExternalID:  contest.ExternalID,
			Title:       contest.Title,
			URL:         contest.URL,
			ContentHash: contest.ContentHash,
			Discovered:  now,
		}
		if ownsDocument {
			if !archived {
				archiveURI = o.archive.Store(ctx, src.Slug, res)
				archived = true
			}
			handoff.DocumentURL = res.DocumentURL
			handoff.ArchiveURI = archiveURI
			handoff.Buckets = res.Buckets
		}
		o.publish(ctx, handoff, logger)
	}
}

func metadataFor(res adapter.Result, ownsDocument bool) json.RawMessage {
	meta := contestMetadata{EntryURL: res.EntryURL}
	if ownsDocument {
		meta.DocumentURL = res.DocumentURL
		meta.Format = res.Format
		meta.PageRanges = res.PageRanges
		for _, b := range res.Buckets {
			meta.Subjects = append(meta.Subjects, b.Name)
		}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

func (o *Orchestrator) publish(ctx context.Context, h crawler.Handoff, logger *zap.Logger) {
	if o.publisher == nil {
		return
	}
	id, err := o.publisher.Publish(ctx, o.topic, h)
	if err != nil {
		logger.Error("publish handoff", zap.String("external_id", h.ExternalID), zap.Error(err))
		return
	}
	logger.Debug("handoff published", zap.String("external_id", h.ExternalID), zap.String("message_id", id))
}
