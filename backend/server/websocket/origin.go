package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originValidator rejects handshakes from origins that are not allowed.
// A request without Origin is rejected unless every origin is allowed.
type originValidator struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *zerolog.Logger
}

func newOriginValidator(origins []string, logger *zerolog.Logger) *originValidator {
	v := &originValidator{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			v.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid allowed origin")
			continue
		}
		v.allowed[normalized] = struct{}{}
	}
	return v
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (v *originValidator) check(r *http.Request) bool {
	if v.allowAll {
		return true
	}
	header := r.Header.Get("Origin")
	if normalized, ok := normalizeOrigin(header); ok {
		if _, allowed := v.allowed[normalized]; allowed {
			return true
		}
	}
	v.logger.Warn().Str("origin", header).Msg("blocked websocket handshake from disallowed origin")
	return false
}
