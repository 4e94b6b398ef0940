// ABOUTME: HTTP middleware enforcing the Router's shared bearer key.
// ABOUTME: Key comparison is constant-time to avoid timing side channels.

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// logHTTPAuthFailure logs an HTTP authentication failure with structured context.
func logHTTPAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("http auth failure",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ConstantTimeEqual compares two secrets without leaking timing information
// about where they first differ. Hashing first means the comparison cost
// does not depend on the candidate's length either.
func ConstantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// RequireSharedKey builds middleware that accepts only requests bearing
// the configured shared key, logs failures, and otherwise attaches an
// operator Identity to the request context.
func RequireSharedKey(sharedKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logHTTPAuthFailure(logger, r, "token_extraction_failed")
				jsonError(w, errMsg, http.StatusUnauthorized)
				return
			}
			if !ConstantTimeEqual(token, sharedKey) {
				logHTTPAuthFailure(logger, r, "key_mismatch")
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			id := &Identity{Kind: "operator"}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// VerifyMachineBearer extracts and verifies a machine-scoped JWT from a
// Bearer Authorization header value. The duplex upgrade handler calls it
// before accepting the websocket.
func VerifyMachineBearer(verifier *JWTVerifier, authHeader string) (machineID string, errMsg string) {
	token, errMsg := extractBearerToken(authHeader)
	if errMsg != "" {
		return "", errMsg
	}
	machineID, err := verifier.Verify(token)
	if err != nil {
		return "", "invalid token"
	}
	return machineID, ""
}
