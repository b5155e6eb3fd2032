package requests

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Auth block kinds.
const (
	AuthKindStatic            = "static"
	AuthKindClientCredentials = "oauth_client_credentials"
)

// Definition is a stored outbound request.
type Definition struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId,omitempty"`
	AuthRef   string    `json:"authRef,omitempty"`
	Transport Transport `json:"transport"`
}

// Transport holds the wire description of a request.
type Transport struct {
	AuthRef string   `json:"authRef,omitempty"`
	HTTP    HTTPSpec `json:"http"`
}

// HTTPSpec describes method, URL and templates for an HTTP request.
// URL and header values may contain {key} placeholders filled from the
// request input. Body may contain both {key} and ${expr} placeholders.
type HTTPSpec struct {
	Method  string            `json:"method,omitempty"`
	FullURL string            `json:"full_url,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// URL returns full_url, or base_url joined with path.
func (h HTTPSpec) URL() string {
	if h.FullURL != "" {
		return h.FullURL
	}
	return h.BaseURL + h.Path
}

// EffectiveAuthRef returns the auth block id the definition refers to.
func (d *Definition) EffectiveAuthRef() string {
	if d.AuthRef != "" {
		return d.AuthRef
	}
	return d.Transport.AuthRef
}

// AuthBlock is either a static header template or OAuth client credentials.
type AuthBlock struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind,omitempty"`
	Headers         map[string]any `json:"headers,omitempty"`
	ClientID        string         `json:"clientId,omitempty"`
	ClientSecret    Secret         `json:"clientSecret,omitempty"`
	TokenURL        string         `json:"tokenUrl,omitempty"`
	Scopes          []string       `json:"scopes,omitempty"`
	CacheTTLSeconds int            `json:"cacheTtlSeconds,omitempty"`
}

// IsClientCredentials reports whether the block uses the OAuth
// client-credentials grant.
func (b *AuthBlock) IsClientCredentials() bool {
	return strings.EqualFold(b.Kind, AuthKindClientCredentials)
}

// Secret is a credential that is stored either in clear text or as an
// AES-256-GCM envelope. Use Reveal to obtain the clear value.
type Secret struct {
	Plain    string
	Envelope *Envelope
}

// PlainSecret wraps a clear-text value.
func PlainSecret(s string) Secret { return Secret{Plain: s} }

// UnmarshalJSON accepts a JSON string or an {iv, tag, data} object.
func (s *Secret) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = Secret{}
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode secret envelope: %w", err)
		}
		*s = Secret{Envelope: &env}
		return nil
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("decode secret: %w", err)
	}
	*s = Secret{Plain: plain}
	return nil
}

// MarshalJSON writes the envelope when present, never the decrypted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s.Envelope != nil {
		return json.Marshal(s.Envelope)
	}
	return json.Marshal(s.Plain)
}

// IsZero reports whether the secret carries no value.
func (s Secret) IsZero() bool {
	return s.Plain == "" && s.Envelope == nil
}
