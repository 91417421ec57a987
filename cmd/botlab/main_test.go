package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/defaults"
	"github.com/nugget/botlab/internal/mqtt"
	"github.com/nugget/botlab/internal/timing"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: botlab") {
			t.Errorf("run(%v) output lacks usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without text", []string{"ask"}, "usage: botlab ask"},
		{"validate without file", []string{"validate"}, "usage: botlab validate"},
		{"missing config", []string{"-c", "/nonexistent/config.yaml", "ask", "hi"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(text.String(), "botlab ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("json output has no version: %v", info)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "db")); err != nil || !info.IsDir() {
		t.Errorf("db directory not created: %v", err)
	}

	wantPerm := map[string]os.FileMode{
		"config.yaml":   0o600,
		"speaker.xml":   0o644,
		"inhibitor.xml": 0o644,
	}
	for name, perm := range wantPerm {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s not created: %v", name, err)
			continue
		}
		if got := info.Mode().Perm(); got != perm {
			t.Errorf("%s permissions = %o, want %o", name, got, perm)
		}
		if !strings.Contains(buf.String(), name) {
			t.Errorf("output does not mention %s", name)
		}
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("agent_file: mine.xml\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml overwritten:\n%s", got)
	}
	if !strings.Contains(buf.String(), "skipped") {
		t.Errorf("output does not report the skip:\n%s", buf.String())
	}
}

func TestRunValidate_Defaults(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(io.Discard, dir); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"validate", filepath.Join(dir, "speaker.xml")})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"labbot", "✓ init", "✓ recovery", "30 seconds"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "✗") {
		t.Errorf("default speaker has rejected sequences:\n%s", out.String())
	}
}

const partialAgent = `<agent>
  <metadata><name>half</name><type>speaker</type><version>1</version>
    <timing><response_interval>5</response_interval></timing></metadata>
  <protocols><protocol id="core"><agent_definition/></protocol></protocols>
  <momentum>
    <sequence id="init" type="initialization" protocol_ref="core">
      <message><role type="system"/><content>hello</content></message>
    </sequence>
    <sequence id="lost" type="analysis" protocol_ref="nowhere">
      <message><role type="system"/><content>unreachable</content></message>
    </sequence>
  </momentum>
</agent>`

func TestRunValidate_ReportsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.xml")
	if err := os.WriteFile(path, []byte(partialAgent), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "validate", path}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var report validationReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if len(report.Sequences) != 1 || report.Sequences[0].ID != "init" {
		t.Errorf("sequences = %+v", report.Sequences)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].SequenceID != "lost" {
		t.Errorf("rejected = %+v", report.Rejected)
	}
}

func TestRunValidate_NoUsableSequences(t *testing.T) {
	doc := strings.Replace(partialAgent, `protocol_ref="core"`, `protocol_ref="gone"`, 1)
	path := filepath.Join(t.TempDir(), "none.xml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), io.Discard, io.Discard, []string{"validate", path})
	if err == nil || !strings.Contains(err.Error(), "no usable sequences") {
		t.Errorf("validate = %v, want no usable sequences error", err)
	}
}

func TestAdmission(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timer := timing.NewTimer(60, timing.UnitSeconds,
		timing.WithClock(func() time.Time { return now }),
		timing.WithLogger(quietLogger()))
	chain := admission("labbot", "lab", timer, quietLogger())

	msg := func(chatID int64, content, topic string, at time.Time) chat.Message {
		return chat.Message{Role: chat.RoleUser, ChatID: chatID, Content: content, Topic: topic, Timestamp: at}
	}

	tests := []struct {
		name string
		msg  chat.Message
		want bool
	}{
		{"mention outside topic", msg(1, "@labbot ping", "", now), true},
		{"allowed topic without mention", msg(1, "anyone around?", "lab", now), true},
		{"neither", msg(1, "anyone around?", "random", now), false},
		{"partial mention", msg(1, "@labbot_extra ping", "", now), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chain.Check(tt.msg).Passed; got != tt.want {
				t.Errorf("Check = %v, want %v", got, tt.want)
			}
		})
	}

	timer.RecordResponse(1)
	if chain.Check(msg(1, "@labbot again", "", now.Add(10*time.Second))).Passed {
		t.Error("message inside the response interval passed")
	}
	if !chain.Check(msg(2, "@labbot other chat", "", now.Add(10*time.Second))).Passed {
		t.Error("rate limit leaked across chats")
	}
	if !chain.Check(msg(1, "@labbot later", "", now.Add(61*time.Second))).Passed {
		t.Error("message after the response interval was blocked")
	}
}

func TestAdmission_Open(t *testing.T) {
	chain := admission("", "", nil, quietLogger())
	if chain.Len() != 0 {
		t.Errorf("chain has %d stages, want 0", chain.Len())
	}
	if !chain.Check(chat.Message{Content: "hello"}).Passed {
		t.Error("empty chain rejected a message")
	}
}

// fakeAnthropic answers every Messages API call with the same text.
func fakeAnthropic(t *testing.T, text string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"claude-test","role":"assistant","content":[{"type":"text","text":%q}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`, text)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeAskConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "speaker.xml"), defaults.SpeakerXML, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf("agent_file: speaker.xml\nlog_level: error\nanthropic:\n  api_key: sk-test\n  api_url: %s\n", apiURL)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunAsk(t *testing.T) {
	srv, calls := fakeAnthropic(t, "Hello from the lab")
	cfgPath := writeAskConfig(t, srv.URL)

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-c", cfgPath, "ask", "what", "is", "up?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Hello from the lab" {
		t.Errorf("stdout = %q", got)
	}
	// One priming call for initialization, one for the reply.
	if got := calls.Load(); got != 2 {
		t.Errorf("LLM calls = %d, want 2", got)
	}
}

func TestNewCore_DropsBacklog(t *testing.T) {
	srv, calls := fakeAnthropic(t, "fresh reply")
	cfg, _, err := loadConfig(writeAskConfig(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	c, err := newCore(cfg, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	orch := c.newPipeline(admission("", "", c.timer, quietLogger()), "", nil)

	old := chat.Message{
		Role:      chat.RoleUser,
		Content:   "sent while we were down",
		ChatID:    7,
		MessageID: 1,
		Timestamp: time.Now().Add(-time.Hour),
	}
	if reply := orch.Process(context.Background(), old); reply != nil {
		t.Errorf("backlog message got reply %q", reply.Text)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("LLM calls for backlog message = %d, want 0", got)
	}

	fresh := old
	fresh.Content = "hello"
	fresh.MessageID = 2
	fresh.Timestamp = time.Now()
	reply := orch.Process(context.Background(), fresh)
	if reply == nil || reply.Text != "fresh reply" {
		t.Errorf("fresh message reply = %+v, want %q", reply, "fresh reply")
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("database is closed")
}

func (failingKV) Set(context.Context, string, string, string) error {
	return errors.New("database is closed")
}

func TestNewPublisher(t *testing.T) {
	srv, _ := fakeAnthropic(t, "unused")
	cfg, _, err := loadConfig(writeAskConfig(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	c, err := newCore(cfg, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	counters := mqtt.NewCounters(time.UTC)

	pub, err := c.newPublisher(context.Background(), failingKV{}, counters)
	if err != nil || pub != nil {
		t.Errorf("unconfigured newPublisher = %v, %v; want nil, nil", pub, err)
	}

	c.cfg.MQTT.Broker = "mqtt://127.0.0.1:1883"
	pub, err = c.newPublisher(context.Background(), failingKV{}, counters)
	if err == nil || pub != nil {
		t.Errorf("newPublisher with failing store = %v, %v; want error", pub, err)
	}
}

func TestRunAsk_NoProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "speaker.xml"), defaults.SpeakerXML, 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent_file: speaker.xml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), io.Discard, io.Discard, []string{"-c", path, "ask", "hi"})
	if err == nil || !strings.Contains(err.Error(), "no LLM provider") {
		t.Errorf("ask = %v, want missing provider error", err)
	}
}
