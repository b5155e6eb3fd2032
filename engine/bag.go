package engine

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Bag namespaces.
const (
	nsVar        = "var"
	nsSteps      = "steps"
	nsLast       = "last"
	nsTranscript = "transcript"
)

// VariableBag threads data between the steps of one test. Each namespace
// keeps insertion order.
//
//	var         values saved by request and extract steps
//	steps       per-step outputs keyed by step id
//	last        assistant, user and request of the latest turn
//	transcript  the conversation so far
type VariableBag struct {
	vars       *orderedmap.OrderedMap[string, any]
	steps      *orderedmap.OrderedMap[string, any]
	last       *orderedmap.OrderedMap[string, any]
	transcript []TranscriptMessage
}

// NewVariableBag returns an empty bag.
func NewVariableBag() *VariableBag {
	last := orderedmap.New[string, any]()
	last.Set("assistant", "")
	last.Set("user", "")
	return &VariableBag{
		vars:  orderedmap.New[string, any](),
		steps: orderedmap.New[string, any](),
		last:  last,
	}
}

// SetVar binds name in the var namespace.
func (b *VariableBag) SetVar(name string, value any) {
	b.vars.Set(name, value)
}

// Var returns a value from the var namespace.
func (b *VariableBag) Var(name string) (any, bool) {
	return b.vars.Get(name)
}

// SetStepOutput records a step's output under steps.<id>. Extra fields such
// as status are stored next to output.
func (b *VariableBag) SetStepOutput(id string, output any, extra map[string]any) {
	entry := orderedmap.New[string, any]()
	entry.Set("output", output)
	for k, v := range extra {
		entry.Set(k, v)
	}
	b.steps.Set(id, entry)
}

// SetLastTurn records the latest exchange. The last request payload is kept.
func (b *VariableBag) SetLastTurn(user, assistant string) {
	b.last.Set("assistant", assistant)
	b.last.Set("user", user)
}

// SetLastRequest records the payload of the latest request step.
func (b *VariableBag) SetLastRequest(payload any) {
	b.last.Set("request", payload)
}

// LastAssistant returns the latest assistant reply.
func (b *VariableBag) LastAssistant() string {
	v, _ := b.last.Get("assistant")
	s, _ := v.(string)
	return s
}

// LastUser returns the latest user message.
func (b *VariableBag) LastUser() string {
	v, _ := b.last.Get("user")
	s, _ := v.(string)
	return s
}

// Append adds messages to the transcript.
func (b *VariableBag) Append(msgs ...TranscriptMessage) {
	b.transcript = append(b.transcript, msgs...)
}

// Transcript returns a copy of the conversation so far.
func (b *VariableBag) Transcript() []TranscriptMessage {
	out := make([]TranscriptMessage, len(b.transcript))
	copy(out, b.transcript)
	return out
}

// View returns the read-only root used for ${...} interpolation.
func (b *VariableBag) View() View {
	return View{bag: b}
}

// View resolves the bag namespaces plus lastAssistant and lastUser. It
// implements interpolation.Lookuper.
type View struct {
	bag *VariableBag
}

// Lookup implements interpolation.Lookuper.
func (v View) Lookup(key string) (any, bool) {
	switch key {
	case nsVar:
		return v.bag.vars, true
	case nsSteps:
		return v.bag.steps, true
	case nsLast:
		return v.bag.last, true
	case nsTranscript:
		out := make([]any, len(v.bag.transcript))
		for i, m := range v.bag.transcript {
			out[i] = map[string]any{"role": m.Role, "content": m.Content}
		}
		return out, true
	case "lastAssistant":
		return v.bag.LastAssistant(), true
	case "lastUser":
		return v.bag.LastUser(), true
	}
	return nil, false
}

func lastByRole(transcript []TranscriptMessage, role string) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == role {
			return transcript[i].Content
		}
	}
	return ""
}
