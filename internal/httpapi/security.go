package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized checks the bearer credential on mutating endpoints. With no
// token configured every request is rejected: an unconfigured server fails
// closed instead of accepting anonymous pushes.
func (h *Handler) authorized(r *http.Request) bool {
	token := ""
	if h.Token != nil {
		token = strings.TrimSpace(h.Token())
	}
	if token == "" {
		return false
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) == 1
}
