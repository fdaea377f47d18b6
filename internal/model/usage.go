package model

import (
	"encoding/json"
	"time"
)

// UsageRecord is a single request audit row. TokenID is a weak reference:
// usage rows survive token revocation and are only removed when the owner
// is deleted, which cascades outside this service.
type UsageRecord struct {
	ID             string          `json:"id"`
	TokenID        string          `json:"token_id"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	StatusCode     int             `json:"status_code"`
	ResponseTimeMS int             `json:"response_time_ms"`
	PromptChars    int             `json:"prompt_chars"`
	ResponseChars  int             `json:"response_chars"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DailyUsage aggregates a token's usage records for one calendar day.
type DailyUsage struct {
	Day              time.Time `json:"day"`
	Requests         int64     `json:"requests"`
	SuccessCount     int64     `json:"success_count"`
	ClientErrorCount int64     `json:"client_error_count"`
	ServerErrorCount int64     `json:"server_error_count"`
	AvgResponseMS    float64   `json:"avg_response_ms"`
	PromptChars      int64     `json:"prompt_chars"`
	ResponseChars    int64     `json:"response_chars"`
}
