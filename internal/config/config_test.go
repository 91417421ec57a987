package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "agent_file: agent.xml\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	path := writeConfig(t, "agent_file: agent.xml\n")
	t.Chdir(filepath.Dir(path))

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("BOTLAB_TEST_TOKEN", "123:abc")
	path := writeConfig(t, "agent_file: agent.xml\ntelegram:\n  token: ${BOTLAB_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q, want %q", cfg.Telegram.Token, "123:abc")
	}
	if !cfg.Telegram.Configured() {
		t.Error("Telegram.Configured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "agent_file: agent.xml\ntelegram:\n  username: \"@labbot\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Username != "labbot" {
		t.Errorf("username = %q, want leading @ stripped", cfg.Telegram.Username)
	}
	if cfg.Telegram.PollTimeoutSec != 30 {
		t.Errorf("poll_timeout = %d, want 30", cfg.Telegram.PollTimeoutSec)
	}
	if cfg.Anthropic.APIURL != "https://api.anthropic.com" {
		t.Errorf("anthropic.api_url = %q", cfg.Anthropic.APIURL)
	}
	if cfg.MQTT.Configured() {
		t.Error("MQTT.Configured() = true with no broker")
	}
	want := filepath.Join(filepath.Dir(path), "agent.xml")
	if cfg.AgentFile != want {
		t.Errorf("agent_file = %q, want %q", cfg.AgentFile, want)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing agent file",
			body:    "log_level: info\n",
			wantErr: "agent_file is required",
		},
		{
			name:    "bad log level",
			body:    "agent_file: a.xml\nlog_level: loud\n",
			wantErr: "unknown log level",
		},
		{
			name:    "negative window",
			body:    "agent_file: a.xml\nhistory:\n  window: -1\n",
			wantErr: "history.window",
		},
		{
			name:    "inhibitor without file",
			body:    "agent_file: a.xml\npipeline:\n  agents:\n    - kind: inhibitor\n",
			wantErr: "inhibitor requires agent_file",
		},
		{
			name:    "unknown agent kind",
			body:    "agent_file: a.xml\npipeline:\n  agents:\n    - kind: oracle\n",
			wantErr: `unknown kind "oracle"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Load() = nil error, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
