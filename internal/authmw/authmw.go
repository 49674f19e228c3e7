// Package authmw guards the operator API with static bearer tokens.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

const realm = `Bearer realm="wxalerts"`

// ParseTokens splits a comma-separated token list, dropping blanks. Listing
// the old and new token together allows rotation without downtime.
func ParseTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// BearerToken returns middleware that accepts requests whose Authorization
// header carries any of tokens. Tokens are compared as SHA-256 digests in
// constant time so neither content nor length leaks through timing.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	digests := make([][sha256.Size]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			digests = append(digests, sha256.Sum256([]byte(t)))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := sha256.Sum256([]byte(auth[len("Bearer "):]))

			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(got[:], digests[i][:])
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
