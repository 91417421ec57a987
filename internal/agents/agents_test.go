package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/botlab/internal/agentdef"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/llm"
	"github.com/nugget/botlab/internal/pipeline"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var _ pipeline.Gate = (*Inhibitor)(nil)
var _ pipeline.Agent = (*Contextualizer)(nil)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	system  string
	msgs    []llm.Message
	temp    float64
	purpose llm.Purpose
}

func (f *fakeCompleter) Complete(ctx context.Context, system string, msgs []llm.Message, temp float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system, f.msgs, f.temp, f.purpose = system, msgs, temp, llm.PurposeFrom(ctx)
	return f.reply, f.err
}

func inhibitorDef() *agentdef.Config {
	return &agentdef.Config{
		Name: "Gatekeeper",
		Sequences: []agentdef.Sequence{{
			ID:          "init",
			Type:        "initialization",
			Temperature: 0.1,
			Messages: []agentdef.SequenceMessage{
				{Role: chat.RoleSystem, Content: "Decide if the speaker should answer. Speaker: [SPEAKER_PROMPT]", Position: 1},
			},
		}},
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   *pipeline.Result
		wantOK bool
	}{
		{"code", `<message code="200">Directly addressed</message>`, &pipeline.Result{Code: "200", Reason: "Directly addressed"}, true},
		{"surrounding text", "Thinking...\n<message code=\"403\">\n  Side conversation.\n</message>\nDone.", &pipeline.Result{Code: "403", Reason: "Side conversation."}, true},
		{"legacy inhibit", `<message result="true">spam</message>`, &pipeline.Result{Code: "403", Reason: "spam"}, true},
		{"legacy allow self-closing", `<message result="false"/>`, &pipeline.Result{Code: "200", Reason: "No reason provided"}, true},
		{"no code", `<message>hmm</message>`, &pipeline.Result{Code: "500", Reason: "hmm"}, true},
		{"no element", "I think you should answer.", nil, false},
		{"malformed", `<message code="403">a & b</message>`, nil, false},
		{"unterminated", `<message code="403">cut off`, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseVerdict(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewInhibitor(t *testing.T) {
	f := &fakeCompleter{}
	inh, err := NewInhibitor(inhibitorDef(), f, "a friendly lab assistant", quiet)
	if err != nil {
		t.Fatalf("NewInhibitor: %v", err)
	}
	if inh.Name() != "gatekeeper" {
		t.Errorf("Name = %q", inh.Name())
	}
	want := "Decide if the speaker should answer. Speaker: a friendly lab assistant"
	if inh.SystemPrompt() != want {
		t.Errorf("SystemPrompt = %q, want %q", inh.SystemPrompt(), want)
	}

	if _, err := NewInhibitor(nil, f, "", quiet); err == nil {
		t.Error("nil definition accepted")
	}
	if _, err := NewInhibitor(inhibitorDef(), nil, "", quiet); err == nil {
		t.Error("nil completer accepted")
	}
	if _, err := NewInhibitor(&agentdef.Config{Name: "empty"}, f, "", quiet); err == nil {
		t.Error("definition without sequences accepted")
	}
}

func TestInhibitor_Process(t *testing.T) {
	turn := &pipeline.Turn{ID: "t1", HistoryXML: "<history><message role=\"user\"><content>hi</content></message></history>"}

	tests := []struct {
		name  string
		reply string
		err   error
		want  *pipeline.Result
	}{
		{"veto", `<message code="403">Not for me.</message>`, nil, &pipeline.Result{Code: "403", Reason: "Not for me."}},
		{"allow", `<message code="200">Question for the bot.</message>`, nil, &pipeline.Result{Code: "200", Reason: "Question for the bot."}},
		{"call fails", "", errors.New("timeout"), nil},
		{"no verdict", "Sure, go ahead.", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCompleter{reply: tt.reply, err: tt.err}
			inh, err := NewInhibitor(inhibitorDef(), f, "speaker", quiet)
			if err != nil {
				t.Fatal(err)
			}
			got, err := inh.Process(context.Background(), turn)
			if err != nil {
				t.Fatalf("Process error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if f.purpose != llm.PurposeInhibitor || f.temp != 0.1 {
				t.Errorf("purpose = %q temperature = %v", f.purpose, f.temp)
			}
			if len(f.msgs) != 1 || !strings.Contains(f.msgs[0].Content, turn.HistoryXML) {
				t.Errorf("messages = %+v", f.msgs)
			}
		})
	}
}

type ctxMsg struct {
	thread  int64
	id      int64
	replyTo int64
	text    string
	at      time.Duration
}

func runContext(t *testing.T, c *Contextualizer, msgs ...ctxMsg) []*pipeline.Result {
	t.Helper()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var out []*pipeline.Result
	for _, m := range msgs {
		turn := &pipeline.Turn{Message: chat.Message{
			Role:             chat.RoleUser,
			Content:          m.text,
			ChatID:           1,
			ThreadID:         m.thread,
			MessageID:        m.id,
			ReplyToMessageID: m.replyTo,
			Timestamp:        base.Add(m.at),
		}}
		res, err := c.Process(context.Background(), turn)
		if err != nil {
			t.Fatalf("Process(%q): %v", m.text, err)
		}
		out = append(out, res)
	}
	return out
}

func TestContextualizer_Codes(t *testing.T) {
	c := NewContextualizer(WithContextualizerLogger(quiet))
	res := runContext(t, c,
		ctxMsg{thread: 0, id: 1, text: "can you check the pump logs", at: 0},
		ctxMsg{thread: 0, id: 2, text: "and the valves", at: time.Minute},
		ctxMsg{thread: 5, id: 3, text: "separate question about sensors", at: 2 * time.Minute},
		ctxMsg{thread: 0, id: 4, text: "back to pumps", at: 3 * time.Minute},
		ctxMsg{thread: 5, id: 5, replyTo: 1, text: "re: the pump logs", at: 4 * time.Minute},
		ctxMsg{thread: 0, id: 6, text: "@bot hello there", at: 5 * time.Minute},
		ctxMsg{thread: 0, id: 7, text: "ok, bye for now", at: 6 * time.Minute},
	)

	want := []struct{ code, thread string }{
		{pipeline.CodeNewThread, "main"},
		{pipeline.CodeContinue, "main"},
		{pipeline.CodeNewThread, "topic5"},
		{pipeline.CodeConcurrent, "main"},
		{pipeline.CodeBranch, "main.r1"},
		{pipeline.CodeGreeting, "main"},
		{pipeline.CodeFarewell, "main"},
	}
	for i, w := range want {
		if res[i].Code != w.code || res[i].Thread != w.thread {
			t.Errorf("message %d: code %s thread %s, want %s %s", i, res[i].Code, res[i].Thread, w.code, w.thread)
		}
	}
	if !strings.Contains(res[4].Reason, "branch of main") {
		t.Errorf("branch reason = %q", res[4].Reason)
	}
}

func TestContextualizer_ConcurrencyWindow(t *testing.T) {
	c := NewContextualizer(WithConcurrencyWindow(time.Minute), WithContextualizerLogger(quiet))
	res := runContext(t, c,
		ctxMsg{thread: 1, text: "first", at: 0},
		ctxMsg{thread: 2, text: "second", at: 0},
		ctxMsg{thread: 1, text: "first again", at: 5 * time.Minute},
	)
	if res[2].Code != pipeline.CodeContinue {
		t.Errorf("stale other thread counted as concurrent: %s", res[2].Code)
	}
}

func TestContextualizer_LRUEviction(t *testing.T) {
	c := NewContextualizer(WithMaxThreads(2), WithContextualizerLogger(quiet))
	runContext(t, c,
		ctxMsg{thread: 1, text: "one", at: 0},
		ctxMsg{thread: 2, text: "two", at: time.Second},
		ctxMsg{thread: 3, text: "three", at: 2 * time.Second},
	)

	var ids []string
	for _, th := range c.Threads(1) {
		ids = append(ids, th.ID)
	}
	if diff := cmp.Diff([]string{"topic3", "topic2"}, ids); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}

	res := runContext(t, c, ctxMsg{thread: 1, text: "one again", at: 3 * time.Second})
	if res[0].Code != pipeline.CodeNewThread {
		t.Errorf("evicted thread code = %s, want new thread", res[0].Code)
	}
}

func TestContextualizer_ContextLength(t *testing.T) {
	c := NewContextualizer(WithContextLength(2), WithContextualizerLogger(quiet))
	runContext(t, c,
		ctxMsg{text: "a"},
		ctxMsg{text: "b"},
		ctxMsg{text: "c"},
	)
	threads := c.Threads(1)
	if len(threads) != 1 {
		t.Fatalf("threads = %d", len(threads))
	}
	if diff := cmp.Diff([]string{"b", "c"}, threads[0].Recent); diff != "" {
		t.Errorf("recent mismatch (-want +got):\n%s", diff)
	}
}

func TestContextualizer_Mood(t *testing.T) {
	tests := []struct {
		text    string
		mood    string
		intense bool
	}{
		{"URGENT the pump is broken!!", MoodNegative, true},
		{"thanks, great work", MoodPositive, false},
		{"what time is it", MoodNeutral, false},
		{"wow!!", MoodNeutral, true},
	}
	for _, tt := range tests {
		mood, intense := readMood(tt.text)
		if mood != tt.mood || intense != tt.intense {
			t.Errorf("readMood(%q) = %s %v, want %s %v", tt.text, mood, intense, tt.mood, tt.intense)
		}
	}

	c := NewContextualizer(WithContextualizerLogger(quiet))
	res := runContext(t, c, ctxMsg{text: "URGENT the pump is broken!!"})
	if res[0].Mood != MoodNegative || !strings.Contains(res[0].Reason, "high intensity") {
		t.Errorf("result = %+v", res[0])
	}
}

func TestContextualizer_Analyzer(t *testing.T) {
	def := &agentdef.Config{
		Name: "Contextualizer",
		Sequences: []agentdef.Sequence{{
			ID:          "analyze",
			Temperature: 0.2,
			Messages:    []agentdef.SequenceMessage{{Role: chat.RoleSystem, Content: "Classify threads.", Position: 1}},
		}},
	}
	f := &fakeCompleter{reply: `Here you go:
<context>
  <management><message code="311" thread="pumps_3f2a"/></management>
  <topic_context><current>pumps</current></topic_context>
</context>`}
	c := NewContextualizer(WithAnalyzer(def, f), WithContextualizerLogger(quiet))

	res := runContext(t, c, ctxMsg{text: "pump 2 is leaking"})
	if res[0] == nil || res[0].Code != "311" || res[0].Thread != "pumps_3f2a" {
		t.Fatalf("result = %+v", res[0])
	}
	if f.system != "Classify threads." || f.purpose != llm.PurposeObserver || f.temp != 0.2 {
		t.Errorf("call system=%q purpose=%q temp=%v", f.system, f.purpose, f.temp)
	}
	if th := c.Threads(1); len(th) != 1 || th[0].Topic != "pumps" {
		t.Errorf("threads = %+v", th)
	}

	f.reply = "no idea"
	res = runContext(t, c, ctxMsg{text: "anything"})
	if res[0] != nil {
		t.Errorf("unusable analysis produced %+v", res[0])
	}
}

func TestParseContext(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Decision
		wantErr bool
	}{
		{"full", `<context><management><message code="300" thread="a_1"/></management><topic_context><current>a</current></topic_context></context>`,
			Decision{Code: "300", Thread: "a_1", Topic: "a"}, false},
		{"default topic", `<context><management><message code="310" thread="b"/></management></context>`,
			Decision{Code: "310", Thread: "b", Topic: "general"}, false},
		{"no code", `<context><management><message thread="b"/></management></context>`, Decision{}, true},
		{"no thread", `<context><management><message code="310"/></management></context>`, Decision{}, true},
		{"missing", `plain text`, Decision{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContext(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("decision mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
