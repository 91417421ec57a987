// Package filter implements message admission control: a chain of
// filter sets that must all pass, where each set passes if any one of
// its filters does.
package filter

import (
	"log/slog"
	"strings"

	"github.com/nugget/botlab/internal/chat"
)

// Result is the outcome of a check. Reason is for operators and logs,
// never for chat users.
type Result struct {
	Passed bool
	Reason string
}

// Filter decides whether a message may proceed. Implementations return
// a failing Result for ordinary non-matches rather than panicking.
type Filter interface {
	Check(msg chat.Message) Result
}

// Func adapts a plain function to [Filter].
type Func func(msg chat.Message) Result

// Check calls f(msg).
func (f Func) Check(msg chat.Message) Result { return f(msg) }

// Set is an OR-group: it passes if any member passes. A set with no
// non-nil members fails.
type Set struct {
	filters []Filter
}

// NewSet builds a Set. Nil filters are ignored.
func NewSet(filters ...Filter) *Set {
	s := &Set{}
	for _, f := range filters {
		if f != nil {
			s.filters = append(s.filters, f)
		}
	}
	return s
}

// Len returns the number of non-nil members.
func (s *Set) Len() int { return len(s.filters) }

// Check evaluates every member and passes if at least one passed.
func (s *Set) Check(msg chat.Message) Result {
	var passed, failed []string
	for _, f := range s.filters {
		r := f.Check(msg)
		if r.Passed {
			passed = append(passed, r.Reason)
		} else {
			failed = append(failed, r.Reason)
		}
	}
	if len(passed) > 0 {
		return Result{Passed: true, Reason: "passed: " + strings.Join(passed, "; ")}
	}
	if len(failed) == 0 {
		return Result{Passed: false, Reason: "empty filter set"}
	}
	return Result{Passed: false, Reason: "failed all: " + strings.Join(failed, "; ")}
}

// Chain is an AND-sequence of filters (usually Sets). It stops at the
// first failure. An empty chain passes.
type Chain struct {
	stages []Filter
	logger *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends a stage. Nil is ignored.
func (c *Chain) Add(f Filter) *Chain {
	if f != nil {
		c.stages = append(c.stages, f)
	}
	return c
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Check runs every stage in order and returns the first failure.
func (c *Chain) Check(msg chat.Message) Result {
	for i, f := range c.stages {
		r := f.Check(msg)
		if !r.Passed {
			c.logger.Debug("message filtered out",
				"chat_id", msg.ChatID,
				"thread_id", msg.ThreadID,
				"stage", i,
				"reason", r.Reason)
			return r
		}
	}
	return Result{Passed: true, Reason: "passed all filter sets"}
}
