package requests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/convotest/interpolation"
)

const (
	// maxResponseSize caps how much of a response body is read (10MB).
	maxResponseSize = 10 * 1024 * 1024

	defaultRequestTimeout = 30 * time.Second
)

// Result kinds.
const (
	KindText = "text"
	KindData = "data"
)

var bracePattern = regexp.MustCompile(`\{([^}]+)\}`)

// Result is the parsed outcome of one executed request.
type Result struct {
	Kind        string `json:"kind"`
	Payload     any    `json:"payload"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
}

// Executor runs stored request definitions.
type Executor struct {
	store   Store
	auth    *AuthResolver
	http    *http.Client
	timeout time.Duration
	baseURL string
	env     map[string]string
	html    *htmlConverter
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient sets the client used for outbound requests.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.http = c }
}

// WithTimeout bounds each request. Zero keeps the default of 30s.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBaseURL sets the base used to resolve relative request URLs.
func WithBaseURL(base string) ExecutorOption {
	return func(e *Executor) { e.baseURL = base }
}

// WithEnv replaces the environment exposed to auth templates as ${env.X}.
func WithEnv(env map[string]string) ExecutorOption {
	return func(e *Executor) { e.env = env }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor. A nil auth resolver disables auth
// block resolution.
func NewExecutor(store Store, auth *AuthResolver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:   store,
		auth:    auth,
		http:    &http.Client{},
		timeout: defaultRequestTimeout,
		env:     processEnv(),
		html:    newHTMLConverter(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the request identified by requestID with input.
// An explicit authHeader wins over a header resolved from the definition's
// auth block.
func (e *Executor) Execute(ctx context.Context, orgID, requestID string, input map[string]any, authHeader string, logf LogFunc) (*Result, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	def, err := e.store.Lookup(ctx, orgID, requestID)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}

	spec := def.Transport.HTTP
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	rawURL := spec.URL()
	if rawURL == "" {
		return nil, ErrRequestURLMissing
	}
	rawURL = fillBraces(rawURL, input)

	headers := make(http.Header)
	for k, v := range spec.Headers {
		headers.Set(k, fillBraces(v, input))
	}

	effectiveAuth := authHeader
	if ref := def.EffectiveAuthRef(); ref != "" && effectiveAuth == "" && e.auth != nil {
		if block, ok := e.store.AuthBlock(ctx, orgID, ref); ok {
			vars := map[string]any{"env": e.env, "input": input}
			if hdr, ok := e.auth.Resolve(ctx, block, vars, logf); ok {
				effectiveAuth = hdr
			}
		}
	}
	if effectiveAuth != "" && headers.Get("Authorization") == "" {
		headers.Set("Authorization", effectiveAuth)
	}

	reqURL, err := e.resolveURL(rawURL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if method == http.MethodGet {
		reqURL = appendQuery(reqURL, input)
	} else {
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
		payload, err := buildBody(spec.Body, input, headers.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	emit(logf, "request_exec", map[string]any{"requestId": requestID, "method": method, "url": reqURL.String()})

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = headers

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	payload := e.parseBody(ct, raw)

	emit(logf, "request_result", map[string]any{"requestId": requestID, "status": resp.StatusCode, "contentType": ct})
	e.logger.Debug("Request executed", "request_id", requestID, "method", method, "status", resp.StatusCode)

	kind := KindData
	if _, ok := payload.(string); ok {
		kind = KindText
	}
	return &Result{Kind: kind, Payload: payload, Status: resp.StatusCode, ContentType: ct}, nil
}

func (e *Executor) resolveURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if e.baseURL == "" {
		return nil, fmt.Errorf("relative request url %q with no base url", raw)
	}
	base, err := url.Parse(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u), nil
}

func (e *Executor) parseBody(ct string, raw []byte) any {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(ct)
	}
	switch {
	case strings.Contains(mediaType, "application/json") || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return map[string]any{}
		}
		return v
	case mediaType == "text/html":
		text, err := e.html.Convert(raw)
		if err != nil {
			return string(raw)
		}
		return text
	default:
		return string(raw)
	}
}

// buildBody applies {key} substitution and then ${expr} interpolation to
// the body template, or to input itself when there is no template.
func buildBody(template any, input map[string]any, contentType string) ([]byte, error) {
	var raw any = input
	if template != nil {
		raw = template
	}
	root := make(map[string]any, len(input)+1)
	for k, v := range input {
		root[k] = v
	}
	root["input"] = input

	resolved := interpolation.InterpolateDeep(fillBracesDeep(raw, input), root)
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		return data, nil
	}
	return []byte(interpolation.Stringify(resolved)), nil
}

// fillBraces replaces {key} with input[key]; unknown keys stay literal.
// A brace opened by "${" belongs to interpolation and is left alone.
func fillBraces(s string, input map[string]any) string {
	var b strings.Builder
	last := 0
	for _, m := range bracePattern.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > 0 && s[m[0]-1] == '$' {
			continue
		}
		v, ok := input[s[m[2]:m[3]]]
		if !ok || v == nil {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(interpolation.Stringify(v))
		last = m[1]
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func fillBracesDeep(v any, input map[string]any) any {
	switch x := v.(type) {
	case string:
		return fillBraces(x, input)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fillBracesDeep(item, input)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = fillBracesDeep(item, input)
		}
		return out
	default:
		return v
	}
}

// appendQuery sets each non-nil input value as a query parameter.
func appendQuery(u *url.URL, input map[string]any) *url.URL {
	if len(input) == 0 {
		return u
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := u.Query()
	for _, k := range keys {
		if input[k] == nil {
			continue
		}
		q.Set(k, interpolation.Stringify(input[k]))
	}
	out := *u
	out.RawQuery = q.Encode()
	return &out
}

func emit(logf LogFunc, kind string, details map[string]any) {
	if logf != nil {
		logf(kind, details)
	}
}

func processEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
