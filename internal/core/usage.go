package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ollamaverse/tokengate/internal/metrics"
	"github.com/ollamaverse/tokengate/internal/model"
	"github.com/ollamaverse/tokengate/internal/platform"
)

// UsageService is an async usage event writer plus the per-day aggregation
// queries backing the owner-facing statistics endpoint. Event writes are
// decoupled from the request hot path: Record never blocks, and a failing
// store only shows up in logs and metrics, never in the caller's response.
type UsageService struct {
	db           DB
	logger       zerolog.Logger
	storeTimeout time.Duration
	ch           chan model.UsageRecord
	done         chan struct{}
}

// NewUsageService creates a UsageService and starts its drain goroutine.
func NewUsageService(db DB, logger zerolog.Logger, storeTimeout time.Duration) *UsageService {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	s := &UsageService{
		db:           db,
		logger:       logger,
		storeTimeout: storeTimeout,
		ch:           make(chan model.UsageRecord, 1024),
		done:         make(chan struct{}),
	}
	go s.drain()
	return s
}

// Record queues a usage event for persistence. Fire-and-forget: when the
// buffer is full the event is dropped and counted rather than blocking the
// request that produced it.
func (s *UsageService) Record(u model.UsageRecord) {
	if u.ID == "" {
		u.ID = platform.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	select {
	case s.ch <- u:
	default:
		metrics.UsageDropped.Inc()
		s.logger.Warn().Str("token_id", u.TokenID).Msg("usage buffer full, dropping record")
	}
}

func (s *UsageService) drain() {
	defer close(s.done)
	for u := range s.ch {
		s.persist(u)
	}
}

// persist writes one usage row and bumps the token's lifetime counters.
// Runs on the drain goroutine with its own context since the originating
// request has usually completed by now.
func (s *UsageService) persist(u model.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()

	_, err := s.db.Exec(ctx,
		`INSERT INTO usage_records (id, token_id, endpoint, method, status_code, response_time_ms,
			prompt_chars, response_chars, metadata, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.TokenID, u.Endpoint, u.Method, u.StatusCode, u.ResponseTimeMS,
		u.PromptChars, u.ResponseChars, u.Metadata, u.ErrorMessage, u.CreatedAt,
	)
	if err != nil {
		metrics.UsageWriteErrors.Inc()
		s.logger.Error().Err(err).Str("token_id", u.TokenID).Msg("failed to write usage record")
		return
	}

	_, err = s.db.Exec(ctx,
		`UPDATE api_tokens
		 SET total_requests = total_requests + 1,
		     last_used_at = GREATEST(coalesce(last_used_at, 'epoch'::timestamptz), $2)
		 WHERE id = $1`,
		u.TokenID, u.CreatedAt,
	)
	if err != nil {
		metrics.UsageWriteErrors.Inc()
		s.logger.Error().Err(err).Str("token_id", u.TokenID).Msg("failed to update token usage counters")
	}
}

// Close stops accepting records and flushes everything already queued.
func (s *UsageService) Close() {
	close(s.ch)
	<-s.done
}

// Stats aggregates a token's usage records per calendar day over the last
// windowDays days: request counts by outcome class, average latency and
// summed prompt/response volume.
func (s *UsageService) Stats(ctx context.Context, tokenID string, windowDays int) ([]model.DailyUsage, error) {
	if windowDays <= 0 {
		windowDays = 7
	}

	rows, err := s.db.Query(ctx,
		`SELECT date_trunc('day', created_at) AS day,
			count(*),
			count(*) FILTER (WHERE status_code < 400),
			count(*) FILTER (WHERE status_code >= 400 AND status_code < 500),
			count(*) FILTER (WHERE status_code >= 500),
			coalesce(avg(response_time_ms), 0),
			coalesce(sum(prompt_chars), 0),
			coalesce(sum(response_chars), 0)
		 FROM usage_records
		 WHERE token_id = $1 AND created_at >= now() - make_interval(days => $2)
		 GROUP BY day
		 ORDER BY day`,
		tokenID, windowDays,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage stats for token %s: %w", tokenID, err)
	}
	defer rows.Close()

	var stats []model.DailyUsage
	for rows.Next() {
		var d model.DailyUsage
		if err := rows.Scan(&d.Day, &d.Requests, &d.SuccessCount, &d.ClientErrorCount,
			&d.ServerErrorCount, &d.AvgResponseMS, &d.PromptChars, &d.ResponseChars); err != nil {
			return nil, fmt.Errorf("scan usage stats: %w", err)
		}
		stats = append(stats, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stats: %w", err)
	}
	return stats, nil
}
