package core

import (
	"github.com/rs/zerolog"
)

type Services struct {
	Token       *TokenService
	Usage       *UsageService
	RateLimiter *RateLimiter
}

func NewServices(db DB, logger zerolog.Logger, tokenCfg TokenServiceConfig) *Services {
	tokenCfg = tokenCfg.withDefaults()
	return &Services{
		Token:       NewTokenService(db, logger, tokenCfg),
		Usage:       NewUsageService(db, logger, tokenCfg.StoreTimeout),
		RateLimiter: NewRateLimiter(tokenCfg.DefaultRateLimitPerMinute),
	}
}

// Close flushes the usage recorder and stops the rate limiter sweep.
func (s *Services) Close() {
	s.Usage.Close()
	s.RateLimiter.Close()
}
