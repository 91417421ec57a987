// Package agentdef is the typed model of an agent definition: identity,
// timing, LLM service, protocols, and momentum sequences. Definitions are
// loaded once at startup and treated as read-only afterwards.
package agentdef

import (
	"math"
	"strings"

	"github.com/nugget/botlab/internal/chat"
)

// DefaultTemperature applies when a sequence omits its temperature.
const DefaultTemperature = 0.7

// Agent categories seen in definitions. Category is free-form; these
// are the ones the pipeline understands.
const (
	CategoryFilter     = "filter"
	CategoryObserver   = "observer"
	CategoryFoundation = "foundation"
)

// Config is a parsed agent definition.
type Config struct {
	Name     string
	Type     string
	Category string
	Version  string

	ResponseInterval     float64
	ResponseIntervalUnit string

	Service Service

	Protocols map[string]Protocol

	// Sequences holds only usable sequences, in document order.
	Sequences []Sequence

	// Rejected lists sequences dropped at load time and why.
	Rejected []Rejection
}

// Service describes the LLM backing an agent. The values pass through
// to the LLM client untouched.
type Service struct {
	Provider   string
	Model      string
	APIVersion string
}

// Rejection records a sequence that failed validation.
type Rejection struct {
	SequenceID string
	Reason     string
}

// Protocol is reusable system-prompt guidance referenced by sequences.
type Protocol struct {
	ID          string
	Objectives  Objectives
	Style       Style
	Constraints Constraints
	Behavior    Behavior
}

// Objectives of a protocol.
type Objectives struct {
	Primary   string
	Secondary []string
}

// Style of a protocol.
type Style struct {
	Communication []string
	Analysis      []string
}

// Constraints of a protocol.
type Constraints struct {
	Operational []string
	Technical   []string
}

// Behavior of a protocol.
type Behavior struct {
	CoreFunction []string
	Methodology  []string
}

// Sequence is one momentum stage: seed messages sent with a protocol at
// a fixed temperature.
type Sequence struct {
	ID          string
	Type        string
	ProtocolRef string
	Temperature float64
	Messages    []SequenceMessage
}

// SequenceMessage is one seed message of a sequence. Position is -1
// when the document omitted it.
type SequenceMessage struct {
	Role     chat.Role
	Content  string
	Position int
}

// ClampTemperature bounds t to [0, 1]. Non-finite values become the
// default.
func ClampTemperature(t float64) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return DefaultTemperature
	}
	return math.Max(0, math.Min(1, t))
}

// Protocol looks up a protocol by ID.
func (c *Config) Protocol(id string) (Protocol, bool) {
	p, ok := c.Protocols[id]
	return p, ok
}

// FindSequence returns the first sequence whose ID or Type matches one
// of names, case-insensitively. IDs are checked before types.
func (c *Config) FindSequence(names ...string) (Sequence, bool) {
	for _, n := range names {
		for _, s := range c.Sequences {
			if strings.EqualFold(s.ID, n) {
				return s, true
			}
		}
	}
	for _, n := range names {
		for _, s := range c.Sequences {
			if strings.EqualFold(s.Type, n) {
				return s, true
			}
		}
	}
	return Sequence{}, false
}

// SystemMessage returns the content of the sequence's system-role
// messages joined by blank lines.
func (s Sequence) SystemMessage() string {
	var parts []string
	for _, m := range s.Messages {
		if m.Role == chat.RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// TurnMessages returns the sequence's non-system messages in order.
func (s Sequence) TurnMessages() []SequenceMessage {
	var out []SequenceMessage
	for _, m := range s.Messages {
		if m.Role != chat.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Text renders the protocol as system-prompt text. Empty sections are
// omitted.
func (p Protocol) Text() string {
	var b strings.Builder
	section := func(title string, items ...string) {
		var kept []string
		for _, it := range items {
			if it = strings.TrimSpace(it); it != "" {
				kept = append(kept, it)
			}
		}
		if len(kept) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, it := range kept {
			b.WriteString("- ")
			b.WriteString(it)
			b.WriteString("\n")
		}
	}

	section("Primary objective", p.Objectives.Primary)
	section("Secondary objectives", p.Objectives.Secondary...)
	section("Communication style", p.Style.Communication...)
	section("Analysis style", p.Style.Analysis...)
	section("Operational constraints", p.Constraints.Operational...)
	section("Technical constraints", p.Constraints.Technical...)
	section("Core function", p.Behavior.CoreFunction...)
	section("Methodology", p.Behavior.Methodology...)

	return strings.TrimRight(b.String(), "\n")
}
