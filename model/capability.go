// Package model provides capability-based model selection.
// Callers ask for a capability (judge, extract, chat) and the registry
// resolves it to configured endpoints with a fallback chain.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityJudge scores conversations against rubrics and proposes
	// follow-up user messages.
	CapabilityJudge Capability = "judge"

	// CapabilityExtract pulls structured values out of transcripts.
	CapabilityExtract Capability = "extract"

	// CapabilityChat plays the assistant under test for direct provider
	// channels.
	CapabilityChat Capability = "chat"

	// CapabilityFast is for quick, cheap completions.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityJudge, CapabilityExtract, CapabilityChat, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
