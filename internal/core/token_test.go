package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollamaverse/tokengate/internal/model"
)

func newTestTokenService(db DB) *TokenService {
	// MinCost keeps the bcrypt comparisons fast in tests.
	return NewTokenService(db, zerolog.Nop(), TokenServiceConfig{BcryptCost: bcrypt.MinCost})
}

// sqlContains matches a SQL argument by substring.
func sqlContains(sub string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, sub) })
}

// countRow returns a mockRow yielding an active-token count.
func countRow(n int) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int)) = n
		return nil
	}}
}

// tokenScanFunc yields one candidate row in tokenColumns order.
func tokenScanFunc(t model.APIToken) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = t.ID
		*(dest[1].(*string)) = t.OwnerIdentity
		*(dest[2].(*string)) = t.Name
		*(dest[3].(*string)) = t.SecretHash
		*(dest[4].(*string)) = t.PrefixIndex
		*(dest[5].(*[]string)) = t.Scopes
		*(dest[6].(*int)) = t.RateLimitPerMinute
		*(dest[7].(*int64)) = t.TotalRequests
		*(dest[8].(**time.Time)) = t.LastUsedAt
		*(dest[9].(*time.Time)) = t.CreatedAt
		*(dest[10].(**time.Time)) = t.ExpiresAt
		*(dest[11].(*bool)) = t.Active
		return nil
	}
}

// ---------- Issue ----------

func TestTokenService_Issue_Success(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(0))
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO api_tokens"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	token, rawSecret, err := svc.Issue(ctx, "a@x.com", "ci", []string{"chat"}, 60, 30)
	require.NoError(t, err)
	require.NotNil(t, token)

	assert.True(t, strings.HasPrefix(rawSecret, "ollv_"))
	assert.Len(t, rawSecret, len("ollv_")+64)
	assert.Equal(t, rawSecret[:len("ollv_")+12], token.PrefixIndex)
	assert.NotContains(t, token.SecretHash, rawSecret)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(token.SecretHash), []byte(rawSecret)))

	assert.Equal(t, "a@x.com", token.OwnerIdentity)
	assert.Equal(t, []string{"chat"}, token.Scopes)
	assert.Equal(t, 60, token.RateLimitPerMinute)
	assert.True(t, token.Active)
	require.NotNil(t, token.ExpiresAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *token.ExpiresAt, time.Minute)
	db.AssertExpectations(t)
}

func TestTokenService_Issue_NoExpiry(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(0))
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO api_tokens"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	token, _, err := svc.Issue(context.Background(), "a@x.com", "ci", []string{"chat"}, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, token.ExpiresAt)
	// Zero rate limit falls back to the service default.
	assert.Equal(t, 60, token.RateLimitPerMinute)
}

func TestTokenService_Issue_DeduplicatesScopes(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(0))
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO api_tokens"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	token, _, err := svc.Issue(context.Background(), "a@x.com", "ci", []string{"chat", "models", "chat"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat", "models"}, token.Scopes)
}

func TestTokenService_Issue_ValidationErrors(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)
	ctx := context.Background()

	cases := []struct {
		name   string
		owner  string
		tName  string
		scopes []string
		rate   int
		ttl    int
	}{
		{"missing owner", "", "ci", []string{"chat"}, 0, 0},
		{"missing name", "a@x.com", "", []string{"chat"}, 0, 0},
		{"name too long", "a@x.com", strings.Repeat("x", 101), []string{"chat"}, 0, 0},
		{"no scopes", "a@x.com", "ci", nil, 0, 0},
		{"unknown scope", "a@x.com", "ci", []string{"admin"}, 0, 0},
		{"negative ttl", "a@x.com", "ci", []string{"chat"}, 0, -1},
		{"negative rate limit", "a@x.com", "ci", []string{"chat"}, -5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Issue(ctx, tc.owner, tc.tName, tc.scopes, tc.rate, tc.ttl)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}
	// Validation failures never touch the store.
	db.AssertNotCalled(t, "QueryRow")
	db.AssertNotCalled(t, "Exec")
}

func TestTokenService_Issue_QuotaExceeded(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(10))

	_, _, err := svc.Issue(context.Background(), "a@x.com", "ci", []string{"chat"}, 0, 0)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	db.AssertNotCalled(t, "Exec")
}

func TestTokenService_Issue_StoreError(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(0))
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO api_tokens"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, _, err := svc.Issue(context.Background(), "a@x.com", "ci", []string{"chat"}, 0, 0)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
}

// ---------- Authenticate ----------

// issueForTest runs a full issuance against the mock and returns the record
// and raw secret for authentication tests.
func issueForTest(t *testing.T, db *mockDB, svc *TokenService) (*model.APIToken, string) {
	t.Helper()
	db.On("QueryRow", mock.Anything, sqlContains("count(*)"), mock.Anything).Return(countRow(0)).Once()
	db.On("Exec", mock.Anything, sqlContains("INSERT INTO api_tokens"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	token, rawSecret, err := svc.Issue(context.Background(), "a@x.com", "ci", []string{"chat"}, 60, 30)
	require.NoError(t, err)
	return token, rawSecret
}

func TestTokenService_Authenticate_Success(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)
	token, rawSecret := issueForTest(t, db, svc)

	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), []any{token.PrefixIndex}).
		Return(newMockRows(tokenScanFunc(*token)), nil)

	got, err := svc.Authenticate(context.Background(), rawSecret)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, "a@x.com", got.OwnerIdentity)
	assert.Equal(t, []string{"chat"}, got.Scopes)
	db.AssertExpectations(t)
}

func TestTokenService_Authenticate_FlippedLastChar(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)
	token, rawSecret := issueForTest(t, db, svc)

	// Same prefix, wrong secret: the candidate is found but the hash
	// comparison fails.
	flipped := rawSecret[:len(rawSecret)-1]
	if strings.HasSuffix(rawSecret, "0") {
		flipped += "1"
	} else {
		flipped += "0"
	}

	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), mock.Anything).
		Return(newMockRows(tokenScanFunc(*token)), nil)

	_, err := svc.Authenticate(context.Background(), flipped)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Authenticate_MalformedSchemeTag(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	_, err := svc.Authenticate(context.Background(), "sk_0123456789abcdef0123456789abcdef")
	require.ErrorIs(t, err, ErrInvalidToken)
	// Scheme tag mismatch is rejected before any store access.
	db.AssertNotCalled(t, "Query")
}

func TestTokenService_Authenticate_UnknownPrefix(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	// Diagnostics lookup for the rejection reason finds nothing either.
	db.On("QueryRow", mock.Anything, sqlContains("SELECT active, expires_at"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return errors.New("no rows in result set") }})

	_, err := svc.Authenticate(context.Background(), "ollv_"+strings.Repeat("ab", 32))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Authenticate_RevokedLooksLikeInvalid(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	// The candidate query filters inactive tokens, so a revoked token is
	// indistinguishable from an unknown one at the API boundary.
	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	db.On("QueryRow", mock.Anything, sqlContains("SELECT active, expires_at"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			*(dest[1].(**time.Time)) = nil
			return nil
		}})

	_, err := svc.Authenticate(context.Background(), "ollv_"+strings.Repeat("cd", 32))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Authenticate_ExpiredLooksLikeInvalid(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	past := time.Now().Add(-time.Hour)
	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), mock.Anything).
		Return(newEmptyMockRows(), nil)
	db.On("QueryRow", mock.Anything, sqlContains("SELECT active, expires_at"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			*(dest[1].(**time.Time)) = &past
			return nil
		}})

	_, err := svc.Authenticate(context.Background(), "ollv_"+strings.Repeat("ef", 32))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Authenticate_StoreErrorFailsClosed(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("Query", mock.Anything, sqlContains("prefix_index = $1"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := svc.Authenticate(context.Background(), "ollv_"+strings.Repeat("ab", 32))
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	// An outage must never be reported as a bad token.
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

// ---------- Authorize ----------

func TestTokenService_Authorize(t *testing.T) {
	svc := newTestTokenService(&mockDB{})
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	valid := &model.APIToken{Active: true, Scopes: []string{"chat"}, ExpiresAt: &future}
	require.NoError(t, svc.Authorize(valid, "chat"))

	// Missing scope is an authorization failure, not an authentication one.
	err := svc.Authorize(&model.APIToken{Active: true, Scopes: []string{"models"}}, "chat")
	var authzErr *AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	assert.Equal(t, "chat", authzErr.Scope)
	assert.NotErrorIs(t, err, ErrInvalidToken)

	// Stale cached records are re-checked at authorization time.
	require.ErrorIs(t, svc.Authorize(&model.APIToken{Active: false, Scopes: []string{"chat"}}, "chat"), ErrInvalidToken)
	require.ErrorIs(t, svc.Authorize(&model.APIToken{Active: true, Scopes: []string{"chat"}, ExpiresAt: &past}, "chat"), ErrInvalidToken)
	require.ErrorIs(t, svc.Authorize(nil, "chat"), ErrInvalidToken)
}

// ---------- Revoke ----------

func TestTokenService_Revoke_Success(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	revoked := model.APIToken{
		ID: "tok-1", OwnerIdentity: "a@x.com", Name: "ci",
		Scopes: []string{"chat"}, RateLimitPerMinute: 60, Active: false,
		CreatedAt: time.Now(),
	}
	db.On("Exec", mock.Anything, sqlContains("SET active = false"), []any{"tok-1", "a@x.com"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("QueryRow", mock.Anything, sqlContains("WHERE id = $1 AND owner_identity = $2"), mock.Anything).
		Return(&mockRow{scanFunc: tokenScanFunc(revoked)})

	token, err := svc.Revoke(context.Background(), "tok-1", "a@x.com")
	require.NoError(t, err)
	assert.False(t, token.Active)
	assert.Equal(t, "revoked", token.Status(time.Now()))
	db.AssertExpectations(t)
}

func TestTokenService_Revoke_IdempotentOnInactive(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	// Postgres reports the row as matched even when active was already
	// false, so a second revoke succeeds and returns the current record.
	inactive := model.APIToken{ID: "tok-1", OwnerIdentity: "a@x.com", Name: "ci", Scopes: []string{"chat"}, Active: false, CreatedAt: time.Now()}
	db.On("Exec", mock.Anything, sqlContains("SET active = false"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("QueryRow", mock.Anything, sqlContains("WHERE id = $1 AND owner_identity = $2"), mock.Anything).
		Return(&mockRow{scanFunc: tokenScanFunc(inactive)})

	token, err := svc.Revoke(context.Background(), "tok-1", "a@x.com")
	require.NoError(t, err)
	assert.False(t, token.Active)
}

func TestTokenService_Revoke_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("Exec", mock.Anything, sqlContains("SET active = false"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	_, err := svc.Revoke(context.Background(), "tok-1", "b@x.com")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenService_Revoke_StoreError(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("Exec", mock.Anything, sqlContains("SET active = false"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := svc.Revoke(context.Background(), "tok-1", "a@x.com")
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
}

// ---------- ListByOwner ----------

func TestTokenService_ListByOwner_Success(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	now := time.Now().Truncate(time.Microsecond)
	t1 := model.APIToken{ID: "tok-1", OwnerIdentity: "a@x.com", Name: "ci", Scopes: []string{"chat"}, Active: true, CreatedAt: now}
	t2 := model.APIToken{ID: "tok-2", OwnerIdentity: "a@x.com", Name: "dev", Scopes: []string{"models"}, Active: true, CreatedAt: now}

	db.On("Query", mock.Anything, sqlContains("WHERE owner_identity = $1"), mock.Anything).
		Return(newMockRows(tokenScanFunc(t1), tokenScanFunc(t2)), nil)

	tokens, hasMore, err := svc.ListByOwner(context.Background(), "a@x.com", 50, "")
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, tokens, 2)
	assert.Equal(t, "ci", tokens[0].Name)
	assert.Equal(t, "dev", tokens[1].Name)
}

func TestTokenService_ListByOwner_HasMore(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	now := time.Now()
	t1 := model.APIToken{ID: "tok-1", OwnerIdentity: "a@x.com", Name: "ci", Scopes: []string{"chat"}, Active: true, CreatedAt: now}
	t2 := model.APIToken{ID: "tok-2", OwnerIdentity: "a@x.com", Name: "dev", Scopes: []string{"chat"}, Active: true, CreatedAt: now}

	db.On("Query", mock.Anything, sqlContains("WHERE owner_identity = $1"), mock.Anything).
		Return(newMockRows(tokenScanFunc(t1), tokenScanFunc(t2)), nil)

	tokens, hasMore, err := svc.ListByOwner(context.Background(), "a@x.com", 1, "")
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, tokens, 1)
}

// ---------- GetByIDForOwner ----------

func TestTokenService_GetByIDForOwner_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := newTestTokenService(db)

	db.On("QueryRow", mock.Anything, sqlContains("WHERE id = $1 AND owner_identity = $2"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := svc.GetByIDForOwner(context.Background(), "nope", "a@x.com")
	require.ErrorIs(t, err, ErrTokenNotFound)
}
