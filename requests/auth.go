package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/convotest/interpolation"
)

const (
	// tokenRefreshSkew is how close to expiry a cached token is refreshed.
	tokenRefreshSkew = 5 * time.Second

	defaultTokenTTLSeconds = 300
)

// LogFunc receives diagnostic entries (auth_error, request_exec,
// request_result) destined for a test's log.
type LogFunc func(kind string, details map[string]any)

// AuthResolver turns auth blocks into Authorization header values.
type AuthResolver struct {
	http   *http.Client
	cache  TokenCache
	encKey string
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// AuthOption configures an AuthResolver.
type AuthOption func(*AuthResolver)

// WithTokenHTTPClient sets the client used for token endpoint calls.
func WithTokenHTTPClient(c *http.Client) AuthOption {
	return func(r *AuthResolver) { r.http = c }
}

// WithEncryptionKey sets the key used to open sealed client secrets.
func WithEncryptionKey(key string) AuthOption {
	return func(r *AuthResolver) { r.encKey = key }
}

// WithAuthLogger sets the logger.
func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(r *AuthResolver) { r.logger = l }
}

// NewAuthResolver creates a resolver sharing the given token cache.
func NewAuthResolver(cache TokenCache, opts ...AuthOption) *AuthResolver {
	if cache == nil {
		cache = NopTokenCache{}
	}
	r := &AuthResolver{
		http:   &http.Client{Timeout: 15 * time.Second},
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the header value for block, interpolating templates
// against vars. The boolean is false when no header could be produced;
// token endpoint failures are reported through logf, never returned.
func (r *AuthResolver) Resolve(ctx context.Context, block *AuthBlock, vars any, logf LogFunc) (string, bool) {
	if block == nil {
		return "", false
	}
	if block.IsClientCredentials() {
		return r.clientCredentials(ctx, block, vars, logf)
	}
	if len(block.Headers) == 0 {
		return "", false
	}
	headers, _ := interpolation.InterpolateDeep(block.Headers, vars).(map[string]any)
	for _, name := range []string{"authorization", "Authorization"} {
		if v, ok := headers[name].(string); ok {
			return v, true
		}
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

type fetchResult struct {
	token  string
	status int
	body   any
}

func (r *AuthResolver) clientCredentials(ctx context.Context, block *AuthBlock, vars any, logf LogFunc) (string, bool) {
	secret, err := block.ClientSecret.Reveal(r.encKey)
	if err != nil {
		r.logger.Warn("Cannot reveal client secret", "auth_id", block.ID, "error", err)
		return "", false
	}
	clientID := interpolation.Expand(block.ClientID, vars)
	clientSecret := interpolation.Expand(secret, vars)
	tokenURL := interpolation.Expand(block.TokenURL, vars)
	if clientID == "" || clientSecret == "" || tokenURL == "" {
		return "", false
	}

	key := TokenCacheKey(tokenURL, clientID, block.Scopes)
	if tok, ok := r.cache.Get(key); ok && tok.ExpiresAt.After(r.now().Add(tokenRefreshSkew)) {
		return "Bearer " + tok.AccessToken, true
	}

	// Concurrent misses for the same grant share one token request.
	v, err, _ := r.group.Do(key, func() (any, error) {
		if tok, ok := r.cache.Get(key); ok && tok.ExpiresAt.After(r.now().Add(tokenRefreshSkew)) {
			return fetchResult{token: tok.AccessToken}, nil
		}
		return r.fetchToken(ctx, key, tokenURL, clientID, clientSecret, block)
	})
	if err != nil {
		logAuthError(logf, map[string]any{"error": err.Error()})
		return "", false
	}
	res := v.(fetchResult)
	if res.token == "" {
		logAuthError(logf, map[string]any{"status": res.status, "body": res.body})
		return "", false
	}
	return "Bearer " + res.token, true
}

func (r *AuthResolver) fetchToken(ctx context.Context, key, tokenURL, clientID, clientSecret string, block *AuthBlock) (any, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	if len(block.Scopes) > 0 {
		form.Set("scope", strings.Join(block.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var parsed tokenResponse
	var body any = map[string]any{}
	if json.Unmarshal(raw, &parsed) == nil {
		_ = json.Unmarshal(raw, &body)
	}
	if parsed.AccessToken == "" {
		return fetchResult{status: resp.StatusCode, body: body}, nil
	}

	ttl := block.CacheTTLSeconds
	if ttl <= 0 {
		ttl = defaultTokenTTLSeconds
	}
	if n, ok := parseExpiresIn(parsed.ExpiresIn); ok && n > 0 {
		ttl = n
	}
	r.cache.Set(key, Token{
		AccessToken: parsed.AccessToken,
		ExpiresAt:   r.now().Add(time.Duration(ttl) * time.Second),
	})
	return fetchResult{token: parsed.AccessToken, status: resp.StatusCode}, nil
}

// parseExpiresIn accepts numeric or string-encoded seconds.
func parseExpiresIn(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var parsed int
		if _, err := fmt.Sscan(s, &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func logAuthError(logf LogFunc, details map[string]any) {
	if logf == nil {
		return
	}
	logf("auth_error", map[string]any{
		"strategy": AuthKindClientCredentials,
		"details":  details,
	})
}
