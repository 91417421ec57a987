package agents

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/llm"
	"github.com/nugget/botlab/internal/pipeline"
)

// SpeakerPlaceholder in an inhibitor's system prompt is replaced with
// the speaking agent's own prompt, so the inhibitor judges relevance
// against what the speaker is for.
const SpeakerPlaceholder = "[SPEAKER_PROMPT]"

const noReason = "No reason provided"

// Inhibitor asks an LLM whether the bot should answer at all. It never
// produces text for the user; it either lets the turn through or
// vetoes it with a 4xx code.
type Inhibitor struct {
	name        string
	system      string
	temperature float64
	llm         Completer
	logger      *slog.Logger
}

// NewInhibitor builds an inhibitor from its agent definition. The
// system prompt comes from the definition's initialization sequence,
// or its first sequence when none is marked as such.
func NewInhibitor(def *agentdef.Config, completer Completer, speakerPrompt string, logger *slog.Logger) (*Inhibitor, error) {
	if def == nil {
		return nil, errors.New("inhibitor: nil agent definition")
	}
	if completer == nil {
		return nil, errors.New("inhibitor: nil completer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	seq, ok := def.FindSequence("init", "initialization")
	if !ok {
		if len(def.Sequences) == 0 {
			return nil, fmt.Errorf("inhibitor %q: no usable sequences", def.Name)
		}
		seq = def.Sequences[0]
	}
	system := seq.SystemMessage()
	if system == "" {
		return nil, fmt.Errorf("inhibitor %q: sequence %q has no system message", def.Name, seq.ID)
	}

	name := strings.ToLower(def.Name)
	if name == "" {
		name = "inhibitor"
	}
	return &Inhibitor{
		name:        name,
		system:      strings.ReplaceAll(system, SpeakerPlaceholder, speakerPrompt),
		temperature: agentdef.ClampTemperature(seq.Temperature),
		llm:         completer,
		logger:      logger,
	}, nil
}

// Name returns the agent name.
func (i *Inhibitor) Name() string { return i.name }

// Gate marks the inhibitor as a veto-only agent.
func (i *Inhibitor) Gate() {}

// SystemPrompt returns the prompt after speaker substitution.
func (i *Inhibitor) SystemPrompt() string { return i.system }

// Process asks the model for a verdict on the turn. A failed call or a
// reply without a verdict stops the turn.
func (i *Inhibitor) Process(ctx context.Context, t *pipeline.Turn) (*pipeline.Result, error) {
	prompt := "Analyze this conversation history and determine if a response is appropriate:\n" + t.HistoryXML

	text, err := i.llm.Complete(llm.WithPurpose(ctx, llm.PurposeInhibitor), i.system,
		[]llm.Message{{Role: string(chat.RoleUser), Content: prompt}}, i.temperature)
	if err != nil {
		i.logger.Warn("inhibitor call failed", "agent", i.name, "turn_id", t.ID, "error", err)
		return nil, nil
	}

	res, ok := ParseVerdict(text)
	if !ok {
		i.logger.Warn("inhibitor reply has no verdict", "agent", i.name, "turn_id", t.ID, "reply", text)
		return nil, nil
	}
	i.logger.Info("inhibitor decision", "agent", i.name, "turn_id", t.ID, "code", res.Code, "reason", res.Reason)
	return res, nil
}

type verdict struct {
	Code   string `xml:"code,attr"`
	Result string `xml:"result,attr"`
	Text   string `xml:",chardata"`
}

// ParseVerdict extracts the first <message> element from a model reply.
// The element carries a status code attribute and the reason as text:
//
//	<message code="403">Not addressed to the bot.</message>
//
// The older result="true|false" form maps to 403 (inhibit) and 200. An
// element with neither attribute yields 500. It reports false when no
// well-formed element is found.
func ParseVerdict(text string) (*pipeline.Result, bool) {
	start := strings.Index(text, "<message")
	if start < 0 {
		return nil, false
	}
	rest := text[start:]
	end := strings.Index(rest, "</message>")
	if end >= 0 {
		end += len("</message>")
	} else if end = strings.Index(rest, "/>"); end >= 0 {
		end += len("/>")
	} else {
		return nil, false
	}

	var v verdict
	if err := xml.Unmarshal([]byte(rest[:end]), &v); err != nil {
		return nil, false
	}

	code := strings.TrimSpace(v.Code)
	if code == "" {
		switch strings.ToLower(strings.TrimSpace(v.Result)) {
		case "true":
			code = pipeline.CodeInhibited
		case "false":
			code = pipeline.CodeOK
		default:
			code = pipeline.CodeError
		}
	}
	reason := strings.TrimSpace(v.Text)
	if reason == "" {
		reason = noReason
	}
	return &pipeline.Result{Code: code, Reason: reason}, true
}
