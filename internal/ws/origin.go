package ws

import (
	"net/http"
	"strings"
)

// OriginChecker returns a CheckOrigin function for a gorilla/websocket
// Upgrader that accepts the listed origins. "*" accepts any origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// No Origin header: same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
