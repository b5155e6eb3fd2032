package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step kinds as they appear in the "type" field.
const (
	KindMessage        = "message"
	KindRequest        = "request"
	KindAssistantCheck = "assistant_check"
	KindExtract        = "extract"
)

// Step is one unit of a steps-mode test. The set of implementations is
// closed: MessageStep, RequestStep, AssistantCheckStep, ExtractStep and
// UnknownStep.
type Step interface {
	Kind() string
	step()
}

// MessageStep sends a user message or adds system context.
type MessageStep struct {
	ID string `json:"id,omitempty"`
	// Role is "user" (default) or "system".
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// RequestStep invokes a stored request and binds its payload.
type RequestStep struct {
	ID        string         `json:"id,omitempty"`
	RequestID string         `json:"requestId"`
	Input     map[string]any `json:"input,omitempty"`
	SaveAs    string         `json:"saveAs,omitempty"`
}

// AssistantCheckStep judges the conversation so far.
type AssistantCheckStep struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Rubric    string   `json:"rubric,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// ExtractStep pulls a named value out of the conversation.
type ExtractStep struct {
	ID           string `json:"id,omitempty"`
	VariableName string `json:"variableName"`
	Description  string `json:"description"`
	Scope        string `json:"scope,omitempty"`
}

// UnknownStep preserves a step whose type is not recognised. It is skipped
// at run time.
type UnknownStep struct {
	Type string
	Raw  json.RawMessage
}

func (MessageStep) Kind() string        { return KindMessage }
func (RequestStep) Kind() string        { return KindRequest }
func (AssistantCheckStep) Kind() string { return KindAssistantCheck }
func (ExtractStep) Kind() string        { return KindExtract }
func (s UnknownStep) Kind() string      { return s.Type }

func (MessageStep) step()        {}
func (RequestStep) step()        {}
func (AssistantCheckStep) step() {}
func (ExtractStep) step()        {}
func (UnknownStep) step()        {}

// MarshalJSON adds the type tag.
func (s MessageStep) MarshalJSON() ([]byte, error) {
	type plain MessageStep
	return marshalTagged(KindMessage, plain(s))
}

// MarshalJSON adds the type tag.
func (s RequestStep) MarshalJSON() ([]byte, error) {
	type plain RequestStep
	return marshalTagged(KindRequest, plain(s))
}

// MarshalJSON adds the type tag.
func (s AssistantCheckStep) MarshalJSON() ([]byte, error) {
	type plain AssistantCheckStep
	return marshalTagged(KindAssistantCheck, plain(s))
}

// MarshalJSON adds the type tag.
func (s ExtractStep) MarshalJSON() ([]byte, error) {
	type plain ExtractStep
	return marshalTagged(KindExtract, plain(s))
}

// MarshalJSON returns the original document.
func (s UnknownStep) MarshalJSON() ([]byte, error) {
	if len(s.Raw) == 0 {
		return json.Marshal(map[string]string{"type": s.Type})
	}
	return s.Raw, nil
}

func marshalTagged(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(kind)
	return json.Marshal(fields)
}

// Steps is an ordered step list that decodes by type tag.
type Steps []Step

// UnmarshalJSON decodes each element with DecodeStep.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("parse steps: %w", err)
	}
	out := make(Steps, 0, len(raws))
	for i, raw := range raws {
		st, err := DecodeStep(raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, st)
	}
	*s = out
	return nil
}

// DecodeStep decodes one step by its "type" field (case-insensitive).
// Unrecognised types, and request steps without a requestId, decode into
// UnknownStep.
func DecodeStep(raw json.RawMessage) (Step, error) {
	if string(raw) == "null" {
		return UnknownStep{Raw: raw}, nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("parse step: %w", err)
	}

	switch kind := strings.ToLower(strings.TrimSpace(head.Type)); kind {
	case KindMessage:
		var st MessageStep
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("parse message step: %w", err)
		}
		return st, nil

	case KindRequest:
		var doc struct {
			ID            string         `json:"id"`
			RequestID     string         `json:"requestId"`
			Input         map[string]any `json:"input"`
			InputMappings map[string]any `json:"inputMappings"`
			SaveAs        string         `json:"saveAs"`
			Assign        string         `json:"assign"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse request step: %w", err)
		}
		if doc.RequestID == "" {
			return UnknownStep{Type: kind, Raw: raw}, nil
		}
		st := RequestStep{ID: doc.ID, RequestID: doc.RequestID, Input: doc.Input, SaveAs: doc.SaveAs}
		if doc.InputMappings != nil {
			st.Input = doc.InputMappings
		}
		if st.SaveAs == "" {
			st.SaveAs = doc.Assign
		}
		return st, nil

	case KindAssistantCheck:
		var st AssistantCheckStep
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("parse assistant_check step: %w", err)
		}
		return st, nil

	case KindExtract:
		var st ExtractStep
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("parse extract step: %w", err)
		}
		return st, nil

	default:
		return UnknownStep{Type: head.Type, Raw: raw}, nil
	}
}
