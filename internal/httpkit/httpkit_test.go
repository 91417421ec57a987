package httpkit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/botlab/internal/buildinfo"
)

func TestNewClient_Timeouts(t *testing.T) {
	if got := NewClient().Timeout; got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := NewClient(WithTimeout(0)).Timeout; got != 0 {
		t.Errorf("WithTimeout(0) = %v, want 0", got)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if got != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", got, buildinfo.UserAgent())
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1")
	resp, err = NewClient(WithUserAgent("ignored")).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got != "custom/1" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("rate limited: slow down"))
	if got := ReadErrorBody(body, 12); got != "rate limited" {
		t.Errorf("ReadErrorBody = %q, want truncated body", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

type countingCloser struct {
	io.Reader
	closed bool
}

func (c *countingCloser) Close() error { c.closed = true; return nil }

func TestDrainAndClose(t *testing.T) {
	rc := &countingCloser{Reader: bytes.NewReader(make([]byte, 4096))}
	DrainAndClose(rc, 1024)
	if !rc.closed {
		t.Error("body not closed")
	}
	DrainAndClose(nil, 10)
}

type scriptedRT struct {
	errs  []error
	calls int
}

func (s *scriptedRT) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		count     int
		wantCalls int
		wantErr   bool
	}{
		{"success first try", nil, 3, 1, false},
		{"recovers after unreachable", []error{dialErr(syscall.EHOSTUNREACH)}, 3, 2, false},
		{"exhausts retries", []error{
			dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED),
		}, 2, 3, true},
		{"reset is not retried", []error{dialErr(syscall.ECONNRESET)}, 3, 1, true},
		{"other errors not retried", []error{errors.New("boom")}, 3, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scriptedRT{errs: tt.errs}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)

			resp, err := rt.RoundTrip(req)
			if resp != nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	base := &scriptedRT{errs: []error{dialErr(syscall.EHOSTUNREACH), dialErr(syscall.EHOSTUNREACH)}}
	rt := &retryTransport{base: base, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)

	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryTransport_BodyWithoutGetBody(t *testing.T) {
	base := &scriptedRT{errs: []error{dialErr(syscall.EHOSTUNREACH)}}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Error("expected error for unrewindable body")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}
