package runs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Auth headers.
const (
	HeaderAPIToken    = "X-Api-Token"
	HeaderAltAPIToken = "X-Convotest-Api-Token"
	HeaderSignature   = "X-Signature"
	HeaderTimestamp   = "X-Timestamp"
)

// DefaultMaxClockSkew bounds how far x-timestamp may drift from now.
const DefaultMaxClockSkew = 300 * time.Second

// AuthConfig configures RequireAuth. With both fields empty every request
// passes.
type AuthConfig struct {
	// APIToken must match x-api-token, x-convotest-api-token or the
	// Authorization header (bare or as a Bearer token).
	APIToken string
	// HMACSecret verifies x-signature, the hex HMAC-SHA256 of
	// "<x-timestamp>.<body>", when both headers are present.
	HMACSecret string
	// MaxSkew bounds |now - x-timestamp|. Defaults to 300s.
	MaxSkew time.Duration
	Now     func() time.Time
}

// RequireAuth wraps next with API-token and request-signature checks.
func RequireAuth(cfg AuthConfig, next http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.APIToken != "" && !tokenMatches(r, cfg.APIToken) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		sig := r.Header.Get(HeaderSignature)
		ts := r.Header.Get(HeaderTimestamp)
		if cfg.HMACSecret == "" || sig == "" || ts == "" {
			next.ServeHTTP(w, r)
			return
		}

		tsv, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || tsv == 0 {
			writeError(w, http.StatusUnauthorized, "stale_request")
			return
		}
		skew := cfg.Now().Unix() - tsv
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Second > cfg.MaxSkew {
			writeError(w, http.StatusUnauthorized, "stale_request")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "bad_signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !hmac.Equal([]byte(Sign(cfg.HMACSecret, ts, body)), []byte(sig)) {
			writeError(w, http.StatusUnauthorized, "bad_signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>". An empty body signs
// as "{}".
func Sign(secret, ts string, body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func tokenMatches(r *http.Request, token string) bool {
	got := r.Header.Get(HeaderAPIToken)
	if got == "" {
		got = r.Header.Get(HeaderAltAPIToken)
	}
	if got == "" {
		got = r.Header.Get("Authorization")
	}
	return got == token || got == "Bearer "+token
}
