package search

import (
	"context"

	"github.com/rs/zerolog"

	"notetree/api/internal/mutator"
)

// Index is the write side of a search backend.
type Index interface {
	Searcher
	IndexNotes(records []NoteRecord) error
	DeleteNotes(ids []string) error
}

// Service is the facade that tries the primary index first and falls back
// to a database searcher.
type Service struct {
	primary  Index
	fallback Searcher
	logger   zerolog.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Index, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, logger: logger}
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("primary search failed, falling back")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Hook keeps the primary index in step with committed changes. Index writes
// run in the background and failures are only logged.
func (s *Service) Hook() mutator.Hook {
	return func(_ context.Context, change mutator.Change) {
		if s.primary == nil || !s.primary.Healthy() {
			return
		}
		records := make([]NoteRecord, 0, len(change.Saved))
		for _, note := range change.Saved {
			records = append(records, RecordFromNote(note))
		}
		deleted := append([]string(nil), change.Deleted...)
		go s.sync(records, deleted)
	}
}

func (s *Service) sync(records []NoteRecord, deleted []string) {
	if len(records) > 0 {
		if err := s.primary.IndexNotes(records); err != nil {
			s.logger.Warn().Err(err).Int("count", len(records)).Msg("index notes")
		}
	}
	if len(deleted) > 0 {
		if err := s.primary.DeleteNotes(deleted); err != nil {
			s.logger.Warn().Err(err).Strs("note_ids", deleted).Msg("remove notes from index")
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
