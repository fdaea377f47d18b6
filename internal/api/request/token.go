package request

// CreateToken holds the request body for issuing an API token.
type CreateToken struct {
	Name               string   `json:"name" validate:"required,min=1,max=100"`
	Scopes             []string `json:"scopes" validate:"required,min=1"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" validate:"gte=0"`
	TTLDays            int      `json:"ttl_days" validate:"gte=0"`
}
