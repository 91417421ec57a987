// Package api implements the operator HTTP API: health, conversation
// history, momentum state, usage totals, message injection and a
// websocket stream of pipeline events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/botlab/internal/buildinfo"
	"github.com/nugget/botlab/internal/chat"
	"github.com/nugget/botlab/internal/connwatch"
	"github.com/nugget/botlab/internal/events"
	"github.com/nugget/botlab/internal/momentum"
	"github.com/nugget/botlab/internal/pipeline"
	"github.com/nugget/botlab/internal/usage"
)

// HistoryStore is the part of the history store the API reads and
// clears.
type HistoryStore interface {
	Messages(chatID, threadID int64) []chat.Message
	ThreadXML(chatID, threadID int64) string
	Threads(chatID int64) []chat.Key
	Clear(chatID int64)
	ClearThread(chatID, threadID int64)
}

// MomentumState exposes and resets per-chat stages.
type MomentumState interface {
	Snapshot() map[int64]momentum.Stage
	Reset(chatID int64)
}

// Processor runs an injected message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg chat.Message) *pipeline.Reply
}

// UsageReader reads the LLM call ledger.
type UsageReader interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports watched dependencies.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config holds the server's address and collaborators. Any collaborator
// may be nil; its endpoints then answer 503.
type Config struct {
	Address string
	Port    int

	History   HistoryStore
	Momentum  MomentumState
	Processor Processor
	Usage     UsageReader
	Health    HealthReporter
	Bus       *events.Bus
	Logger    *slog.Logger

	// Now is the clock for usage windows; nil means time.Now.
	Now func() time.Time
}

// Server is the operator HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/chats/{chat}/threads", s.handleThreads)
	mux.HandleFunc("GET /v1/chats/{chat}/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE /v1/chats/{chat}/history", s.handleHistoryDelete)

	mux.HandleFunc("GET /v1/momentum", s.handleMomentum)
	mux.HandleFunc("POST /v1/momentum/{chat}/reset", s.handleMomentumReset)

	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(addr, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns injected through POST /v1/messages can take a while.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.URL.Path == "/v1/events" {
			// Long-lived; logged by the handler.
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["runtime"] = buildinfo.RuntimeInfo()
	writeJSON(w, http.StatusOK, info, s.logger)
}

// handleHealth answers 200 when every watched dependency is ready and
// 503 otherwise, with per-service detail either way.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	services := map[string]connwatch.ServiceStatus{}
	if s.cfg.Health != nil {
		services = s.cfg.Health.Status()
	}
	for _, svc := range services {
		if !svc.Ready {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  buildinfo.Version,
		"uptime":   buildinfo.Uptime().String(),
		"services": services,
	}, s.logger)
}

// chatParam parses the {chat} path value and the optional thread query
// parameter.
func chatParam(r *http.Request) (chatID, threadID int64, err error) {
	chatID, err = strconv.ParseInt(r.PathValue("chat"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q", r.PathValue("chat"))
	}
	if v := r.URL.Query().Get("thread"); v != "" {
		threadID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid thread id %q", v)
		}
	}
	return chatID, threadID, nil
}

// MessageView is the JSON form of a history entry.
type MessageView struct {
	Role             chat.Role `json:"role"`
	Content          string    `json:"content"`
	Agent            string    `json:"agent,omitempty"`
	ChatID           int64     `json:"chat_id"`
	ThreadID         int64     `json:"thread_id,omitempty"`
	MessageID        int64     `json:"message_id,omitempty"`
	ReplyToThreadID  int64     `json:"reply_to_thread_id,omitempty"`
	ReplyToMessageID int64     `json:"reply_to_message_id,omitempty"`
	Topic            string    `json:"topic,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

func viewOf(m chat.Message) MessageView {
	return MessageView{
		Role:             m.Role,
		Content:          m.Content,
		Agent:            m.Agent,
		ChatID:           m.ChatID,
		ThreadID:         m.ThreadID,
		MessageID:        m.MessageID,
		ReplyToThreadID:  m.ReplyToThreadID,
		ReplyToMessageID: m.ReplyToMessageID,
		Topic:            m.Topic,
		Timestamp:        m.Timestamp,
	}
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.unavailable(w, "history")
		return
	}
	chatID, _, err := chatParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	threads := []map[string]int64{}
	for _, k := range s.cfg.History.Threads(chatID) {
		threads = append(threads, map[string]int64{
			"thread_id": k.ThreadID,
			"messages":  int64(len(s.cfg.History.Messages(k.ChatID, k.ThreadID))),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "threads": threads}, s.logger)
}

// handleHistoryGet returns a thread's messages as JSON, or the XML
// document the LLM sees when format=xml.
func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.unavailable(w, "history")
		return
	}
	chatID, threadID, err := chatParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "xml" {
		w.Header().Set("Content-Type", "application/xml")
		if _, err := w.Write([]byte(s.cfg.History.ThreadXML(chatID, threadID))); err != nil {
			s.logger.Debug("failed to write XML response", "error", err)
		}
		return
	}

	msgs := s.cfg.History.Messages(chatID, threadID)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":   chatID,
		"thread_id": threadID,
		"messages":  views,
	}, s.logger)
}

// handleHistoryDelete clears one thread when thread is given, otherwise
// every thread in the chat.
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.unavailable(w, "history")
		return
	}
	chatID, threadID, err := chatParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Has("thread") {
		s.cfg.History.ClearThread(chatID, threadID)
	} else {
		s.cfg.History.Clear(chatID)
	}
	s.logger.Info("history cleared via API", "chat_id", chatID, "thread_id", threadID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMomentum(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Momentum == nil {
		s.unavailable(w, "momentum")
		return
	}
	out := make(map[string]string)
	for chatID, stage := range s.cfg.Momentum.Snapshot() {
		out[strconv.FormatInt(chatID, 10)] = stage.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out}, s.logger)
}

func (s *Server) handleMomentumReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Momentum == nil {
		s.unavailable(w, "momentum")
		return
	}
	chatID, _, err := chatParam(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg.Momentum.Reset(chatID)
	w.WriteHeader(http.StatusNoContent)
}

// InjectRequest is the body of POST /v1/messages.
type InjectRequest struct {
	ChatID           int64  `json:"chat_id"`
	ThreadID         int64  `json:"thread_id,omitempty"`
	MessageID        int64  `json:"message_id,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	User             string `json:"user"`
	Topic            string `json:"topic,omitempty"`
	Text             string `json:"text"`
}

// InjectResponse is returned when the injected message got a reply.
type InjectResponse struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
	Stored bool   `json:"stored"`
}

// handleMessage runs a message through the pipeline as if it had
// arrived from the chat platform. Messages the pipeline drops answer
// 204.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Processor == nil {
		s.unavailable(w, "pipeline")
		return
	}
	var req InjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.User == "" {
		req.User = "operator"
	}

	reply := s.cfg.Processor.Process(r.Context(), chat.Message{
		Role:             chat.RoleUser,
		Content:          req.Text,
		Agent:            req.User,
		ChatID:           req.ChatID,
		ThreadID:         req.ThreadID,
		MessageID:        req.MessageID,
		ReplyToMessageID: req.ReplyToMessageID,
		ReplyToThreadID:  replyThread(req),
		Topic:            req.Topic,
		Timestamp:        s.cfg.Now(),
	})
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, InjectResponse{TurnID: reply.TurnID, Text: reply.Text, Stored: reply.Stored}, s.logger)
}

func replyThread(req InjectRequest) int64 {
	if req.ReplyToMessageID == 0 {
		return 0
	}
	return req.ThreadID
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByRole  map[string]*usage.Summary `json:"by_role"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.unavailable(w, "usage")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := s.cfg.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)

	ctx := r.Context()
	total, err := s.cfg.Usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byRole, err := s.cfg.Usage.SummaryByRole(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by role failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.cfg.Usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Start: start, End: end, Total: total, ByRole: byRole, ByModel: byModel}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
