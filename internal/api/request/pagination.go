package request

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Pagination holds the parsed limit and opaque cursor for list endpoints.
// The cursor is the last item id of the previous page.
type Pagination struct {
	Limit  int
	Cursor string
}

// ParsePagination reads limit and cursor query parameters. Unparseable or
// non-positive limits fall back to DefaultLimit; anything above MaxLimit
// is clamped.
func ParsePagination(r *http.Request) Pagination {
	q := r.URL.Query()
	return Pagination{
		Limit:  parseLimit(q.Get("limit")),
		Cursor: strings.TrimSpace(q.Get("cursor")),
	}
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
