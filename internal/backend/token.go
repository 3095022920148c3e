package backend

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/minbarhq/minbar-live/internal/log"
)

// warnIfTokenStale peeks at the bearer token without verifying it. The
// backend is the authority on validity; this only gives the operator an
// early hint before every request starts failing with 401.
func warnIfTokenStale(token string, logger *log.Logger) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		logger.Warn("auth token is not a parseable JWT", log.Error(err))
		return
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if remaining := time.Until(exp.Time); remaining <= 0 {
		logger.Warn("auth token already expired", log.Time("expiredAt", exp.Time))
	} else if remaining < time.Hour {
		logger.Warn("auth token expires soon", log.Duration("remaining", remaining))
	}
}
