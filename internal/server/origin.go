// Package server enforces the browser-origin allow-list of the WebSocket
// ingress. Raw TCP peers have no origin; this check only guards upgrades.
package server

import (
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// normalizeOrigins canonicalizes the configured allow-list and reports
// whether a wildcard entry was present. Invalid entries are dropped with a
// warning rather than failing configuration.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		canonical, ok := canonicalOrigin(trimmed)
		if !ok {
			log.Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		normalized = append(normalized, canonical)
	}

	return normalized, allowAll
}

// canonicalOrigin reduces an origin to lowercase scheme://host so that
// configured entries and request headers compare consistently.
func canonicalOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func isOriginAllowed(r *http.Request) bool {
	canonical, ok := canonicalOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[canonical]
	return exists
}

// checkOrigin is the upgrader's origin gate. Requests without a recognized,
// configured origin never reach the hub.
func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}

	log.Warnf("Blocked ingress upgrade from disallowed origin: %q", r.Header.Get("Origin"))
	return false
}
