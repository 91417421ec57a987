package filter

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/timing"
)

var markdown = goldmark.New()

// Mention passes messages that address the bot as @username.
type Mention struct {
	username string
}

// NewMention creates a Mention filter. A leading @ on username is
// accepted and ignored.
func NewMention(username string) *Mention {
	return &Mention{username: strings.TrimPrefix(username, "@")}
}

// Check passes when the content holds the exact token @username, or
// when the mention appears anywhere inside a code block. Prefix matches
// such as @username_extra do not count as tokens.
func (m *Mention) Check(msg chat.Message) Result {
	if msg.Content == "" {
		return Result{Passed: false, Reason: "empty message"}
	}
	if m.username == "" {
		return Result{Passed: false, Reason: "no bot username configured"}
	}
	if Mentions(msg.Content, m.username) {
		return Result{Passed: true, Reason: "bot mentioned"}
	}
	mention := "@" + m.username
	if strings.Contains(msg.Content, mention) && strings.Contains(codeBlocks(msg.Content), mention) {
		return Result{Passed: true, Reason: "bot mentioned in code block"}
	}
	return Result{Passed: false, Reason: "bot not mentioned"}
}

// Mentions reports whether content holds @username as a standalone
// token.
func Mentions(content, username string) bool {
	mention := "@" + strings.TrimPrefix(username, "@")
	for _, tok := range strings.FieldsFunc(content, isTokenBreak) {
		if tok == mention {
			return true
		}
	}
	return false
}

func isTokenBreak(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '.', ',', '!', '?', ';', ':', '(', ')', '[', ']', '"', '\'':
		return true
	}
	return false
}

// codeBlocks returns the concatenated bodies of all code in a markdown
// document: fenced and indented blocks plus inline code spans. A fence
// written on one line parses as a span.
func codeBlocks(content string) string {
	src := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case ast.KindCodeSpan:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					buf.Write(t.Segment.Value(src))
				}
			}
			buf.WriteByte('\n')
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		// The walker never fails; treat a failure as no code.
		return ""
	}
	return buf.String()
}

// Topic passes messages posted in one named forum topic.
type Topic struct {
	allowed string
}

// NewTopic creates a Topic filter.
func NewTopic(allowed string) *Topic {
	return &Topic{allowed: allowed}
}

// Check passes on an exact topic match. A message without a topic never
// passes.
func (t *Topic) Check(msg chat.Message) Result {
	if msg.Topic == "" {
		return Result{Passed: false, Reason: "message has no topic"}
	}
	if msg.Topic == t.allowed {
		return Result{Passed: true, Reason: "message in allowed topic"}
	}
	return Result{Passed: false, Reason: fmt.Sprintf("message not in allowed topic (%q)", msg.Topic)}
}

// RateLimit passes messages the response timer allows.
type RateLimit struct {
	timer *timing.Timer
}

// NewRateLimit creates a RateLimit filter backed by timer.
func NewRateLimit(timer *timing.Timer) *RateLimit {
	return &RateLimit{timer: timer}
}

// Check passes when the timer permits a response. Messages missing a
// chat ID or timestamp pass, since there is nothing to limit against.
func (r *RateLimit) Check(msg chat.Message) Result {
	if msg.ChatID == 0 || msg.Timestamp.IsZero() {
		return Result{Passed: true, Reason: "message missing rate limit attributes"}
	}
	if r.timer.CanRespond(msg.ChatID, msg.Timestamp) {
		return Result{Passed: true, Reason: "rate limit not exceeded"}
	}
	remaining := r.timer.Remaining(msg.ChatID)
	if remaining == 0 {
		return Result{Passed: false, Reason: "message predates bot start or last response"}
	}
	return Result{
		Passed: false,
		Reason: fmt.Sprintf("rate limited - must wait %.1f seconds", remaining),
	}
}
