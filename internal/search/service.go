package search

import (
	"context"
	"time"

	"frameline/api/internal/logger"
)

type engine interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search.
type Service struct {
	primary  engine
	fallback Searcher
	log      *logger.Logger
}

// NewService creates a search service. meili and pgfts may each be nil.
func NewService(m *Meili, pgfts *PgFTS, log *logger.Logger) *Service {
	var primary engine
	if m != nil {
		primary = m
	}
	var fallback Searcher
	if pgfts != nil {
		fallback = pgfts
	}
	return newService(primary, fallback, log)
}

func newService(primary engine, fallback Searcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, log: log.With("component", "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to postgres", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment pushes one comment to the index in the background.
func (s *Service) IndexComment(rec CommentRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.primary.IndexComments(ctx, []CommentRecord{rec}); err != nil {
			s.log.Warn("index comment failed", "comment_id", rec.ID, "error", err)
		}
	}()
}

// ReindexFromPG loads every comment from Postgres and pushes it to the
// index. Called at startup when Meilisearch is reachable.
func (s *Service) ReindexFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.primary == nil || !s.primary.Healthy() || pgfts == nil {
		return
	}
	records, err := pgfts.LoadAllComments(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", "error", err)
		return
	}
	if err := s.primary.IndexComments(ctx, records); err != nil {
		s.log.Warn("reindex comments failed", "count", len(records), "error", err)
		return
	}
	s.log.Info("reindexed comments", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
