package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollamaverse/tokengate/internal/metrics"
	"github.com/ollamaverse/tokengate/internal/model"
	"github.com/ollamaverse/tokengate/internal/platform"
)

// SchemeTag identifies the token format. Every issued token starts with
// "ollv_" followed by the hex encoding of 32 random bytes.
const SchemeTag = "ollv"

const (
	tokenPrefix   = SchemeTag + "_"
	secretBytes   = 32
	maxNameLength = 100
)

// TokenServiceConfig tunes the token service. Zero values fall back to the
// defaults below.
type TokenServiceConfig struct {
	// PrefixLength is the number of secret characters (after the scheme
	// tag) stored in clear as the indexed lookup prefix.
	PrefixLength      int
	BcryptCost        int
	MaxTokensPerOwner int
	// DefaultRateLimitPerMinute applies when issuance passes 0.
	DefaultRateLimitPerMinute int
	StoreTimeout              time.Duration
}

func (c TokenServiceConfig) withDefaults() TokenServiceConfig {
	if c.PrefixLength <= 0 {
		c.PrefixLength = 12
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.MaxTokensPerOwner <= 0 {
		c.MaxTokensPerOwner = 10
	}
	if c.DefaultRateLimitPerMinute <= 0 {
		c.DefaultRateLimitPerMinute = 60
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// TokenService issues, authenticates and revokes API tokens.
type TokenService struct {
	db     DB
	logger zerolog.Logger
	cfg    TokenServiceConfig
	now    func() time.Time
}

// NewTokenService creates a new TokenService.
func NewTokenService(db DB, logger zerolog.Logger, cfg TokenServiceConfig) *TokenService {
	return &TokenService{
		db:     db,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

const tokenColumns = `id, owner_identity, name, secret_hash, prefix_index, scopes,
	rate_limit_per_minute, total_requests, last_used_at, created_at, expires_at, active`

// lookupPrefixLen is the full prefix index length: scheme tag, underscore,
// and the configured number of secret characters.
func (s *TokenService) lookupPrefixLen() int {
	return len(tokenPrefix) + s.cfg.PrefixLength
}

// Issue creates a token for the owner and returns the record together with
// the raw secret. The raw secret is returned exactly once and never stored;
// only its bcrypt hash and the clear-text lookup prefix are persisted.
func (s *TokenService) Issue(ctx context.Context, ownerIdentity, name string, scopes []string, rateLimitPerMinute, ttlDays int) (*model.APIToken, string, error) {
	if ownerIdentity == "" {
		return nil, "", &ValidationError{Msg: "owner identity is required"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", &ValidationError{Msg: "name is required"}
	}
	if len(name) > maxNameLength {
		return nil, "", &ValidationError{Msg: fmt.Sprintf("name exceeds %d characters", maxNameLength)}
	}
	if len(scopes) == 0 {
		return nil, "", &ValidationError{Msg: "at least one scope is required"}
	}
	seen := make(map[string]bool, len(scopes))
	cleaned := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if !model.ValidScope(sc) {
			return nil, "", &ValidationError{Msg: fmt.Sprintf("unknown scope %q, valid scopes: %s", sc, strings.Join(model.Scopes, ", "))}
		}
		if !seen[sc] {
			seen[sc] = true
			cleaned = append(cleaned, sc)
		}
	}
	if ttlDays < 0 {
		return nil, "", &ValidationError{Msg: "ttl_days must not be negative"}
	}
	if rateLimitPerMinute < 0 {
		return nil, "", &ValidationError{Msg: "rate_limit_per_minute must not be negative"}
	}
	if rateLimitPerMinute == 0 {
		rateLimitPerMinute = s.cfg.DefaultRateLimitPerMinute
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var activeCount int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM api_tokens WHERE owner_identity = $1 AND active`, ownerIdentity,
	).Scan(&activeCount)
	if err != nil {
		return nil, "", &StoreError{Op: "count active tokens", Err: err}
	}
	if activeCount >= s.cfg.MaxTokensPerOwner {
		return nil, "", fmt.Errorf("owner has %d active tokens (max %d): %w", activeCount, s.cfg.MaxTokensPerOwner, ErrQuotaExceeded)
	}

	rawSecret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate token secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawSecret), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash token secret: %w", err)
	}

	now := s.now().UTC()
	token := &model.APIToken{
		ID:                 platform.NewID(),
		OwnerIdentity:      ownerIdentity,
		Name:               name,
		SecretHash:         string(hash),
		PrefixIndex:        rawSecret[:s.lookupPrefixLen()],
		Scopes:             cleaned,
		RateLimitPerMinute: rateLimitPerMinute,
		CreatedAt:          now,
		Active:             true,
	}
	if ttlDays > 0 {
		expires := now.AddDate(0, 0, ttlDays)
		token.ExpiresAt = &expires
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO api_tokens (id, owner_identity, name, secret_hash, prefix_index, scopes,
			rate_limit_per_minute, total_requests, created_at, expires_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, true)`,
		token.ID, token.OwnerIdentity, token.Name, token.SecretHash, token.PrefixIndex,
		token.Scopes, token.RateLimitPerMinute, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, "", &StoreError{Op: "insert token", Err: err}
	}

	s.logger.Info().
		Str("token_id", token.ID).
		Str("owner", ownerIdentity).
		Strs("scopes", cleaned).
		Msg("token issued")

	return token, rawSecret, nil
}

// Authenticate resolves a presented raw secret to its token record.
// Candidates are narrowed by the clear-text prefix index before the bcrypt
// comparison, so the expensive hash check runs against 0-2 records rather
// than the full token population. Every failure surfaces as ErrInvalidToken;
// the root cause is only kept in logs and metrics. Store failures fail
// closed with a StoreError instead.
func (s *TokenService) Authenticate(ctx context.Context, rawSecret string) (*model.APIToken, error) {
	if !strings.HasPrefix(rawSecret, tokenPrefix) || len(rawSecret) < s.lookupPrefixLen() {
		metrics.AuthAttempts.WithLabelValues("malformed").Inc()
		return nil, ErrInvalidToken
	}
	lookupPrefix := rawSecret[:s.lookupPrefixLen()]

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	rows, err := s.db.Query(ctx,
		`SELECT `+tokenColumns+`
		 FROM api_tokens
		 WHERE prefix_index = $1 AND active AND (expires_at IS NULL OR expires_at > now())`,
		lookupPrefix,
	)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("store_error").Inc()
		return nil, &StoreError{Op: "lookup token candidates", Err: err}
	}
	defer rows.Close()

	var candidates []model.APIToken
	for rows.Next() {
		var t model.APIToken
		if err := scanToken(rows.Scan, &t); err != nil {
			metrics.AuthAttempts.WithLabelValues("store_error").Inc()
			return nil, &StoreError{Op: "scan token candidate", Err: err}
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		metrics.AuthAttempts.WithLabelValues("store_error").Inc()
		return nil, &StoreError{Op: "iterate token candidates", Err: err}
	}

	metrics.AuthCandidates.Observe(float64(len(candidates)))

	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].SecretHash), []byte(rawSecret)) == nil {
			metrics.AuthAttempts.WithLabelValues("ok").Inc()
			return &candidates[i], nil
		}
	}

	s.logRejection(ctx, lookupPrefix, len(candidates))
	return nil, ErrInvalidToken
}

// logRejection records the internal root cause of an authentication failure.
// When no candidate matched the prefix at all, a best-effort second lookup
// distinguishes unknown, revoked and expired tokens for diagnostics.
func (s *TokenService) logRejection(ctx context.Context, lookupPrefix string, candidates int) {
	reason := "mismatch"
	if candidates == 0 {
		reason = "not_found"
		var active bool
		var expiresAt *time.Time
		err := s.db.QueryRow(ctx,
			`SELECT active, expires_at FROM api_tokens WHERE prefix_index = $1 ORDER BY created_at DESC LIMIT 1`,
			lookupPrefix,
		).Scan(&active, &expiresAt)
		if err == nil {
			switch {
			case !active:
				reason = "revoked"
			case expiresAt != nil && !expiresAt.After(s.now()):
				reason = "expired"
			}
		}
	}
	metrics.AuthAttempts.WithLabelValues(reason).Inc()
	s.logger.Warn().
		Str("prefix", lookupPrefix).
		Str("reason", reason).
		Msg("token authentication rejected")
}

// Authorize checks that the token carries the required scope. Active and
// expiry are re-verified here so a stale record handed in by a caller-side
// cache cannot outlive revocation or expiry.
func (s *TokenService) Authorize(t *model.APIToken, requiredScope string) error {
	if t == nil || !t.Usable(s.now()) {
		return ErrInvalidToken
	}
	if !t.HasScope(requiredScope) {
		return &AuthorizationError{Scope: requiredScope}
	}
	return nil
}

// Revoke deactivates a token owned by ownerIdentity and returns its record.
// Revocation is idempotent: an already-inactive token with a matching owner
// still succeeds. An unknown id/owner pair returns ErrTokenNotFound.
func (s *TokenService) Revoke(ctx context.Context, id, ownerIdentity string) (*model.APIToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx,
		`UPDATE api_tokens SET active = false WHERE id = $1 AND owner_identity = $2`,
		id, ownerIdentity,
	)
	if err != nil {
		return nil, &StoreError{Op: fmt.Sprintf("revoke token %s", id), Err: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrTokenNotFound
	}

	s.logger.Info().Str("token_id", id).Str("owner", ownerIdentity).Msg("token revoked")
	return s.GetByIDForOwner(ctx, id, ownerIdentity)
}

// GetByIDForOwner retrieves a token by id, scoped to its owner.
func (s *TokenService) GetByIDForOwner(ctx context.Context, id, ownerIdentity string) (*model.APIToken, error) {
	var t model.APIToken
	err := scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE id = $1 AND owner_identity = $2`,
		id, ownerIdentity,
	).Scan, &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: fmt.Sprintf("get token %s", id), Err: err}
	}
	return &t, nil
}

// ListByOwner retrieves an owner's tokens with cursor-based pagination.
// Only metadata is returned; the raw secret is unrecoverable by design.
func (s *TokenService) ListByOwner(ctx context.Context, ownerIdentity string, limit int, cursor string) ([]model.APIToken, bool, error) {
	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE owner_identity = $1`
	args := []any{ownerIdentity}

	if cursor != "" {
		query += ` AND id > $2`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, &StoreError{Op: "list tokens", Err: err}
	}
	defer rows.Close()

	var tokens []model.APIToken
	for rows.Next() {
		var t model.APIToken
		if err := scanToken(rows.Scan, &t); err != nil {
			return nil, false, &StoreError{Op: "scan token", Err: err}
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, false, &StoreError{Op: "iterate tokens", Err: err}
	}

	hasMore := len(tokens) > limit
	if hasMore {
		tokens = tokens[:limit]
	}
	return tokens, hasMore, nil
}

func scanToken(scan func(dest ...any) error, t *model.APIToken) error {
	return scan(&t.ID, &t.OwnerIdentity, &t.Name, &t.SecretHash, &t.PrefixIndex, &t.Scopes,
		&t.RateLimitPerMinute, &t.TotalRequests, &t.LastUsedAt, &t.CreatedAt, &t.ExpiresAt, &t.Active)
}

func generateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return tokenPrefix + hex.EncodeToString(raw), nil
}
