// Package webhook provides the HTTP server receiving issue-tracker webhook
// deliveries. It verifies signatures, normalizes payloads, and hands events
// to the processor. Deliveries are always acknowledged with 200 so the
// upstream tracker never disables the webhook or retries in a storm.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"issuebridge/pkg/events"
	"issuebridge/pkg/logx"
	"issuebridge/pkg/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20 // 1 MiB

// Processor handles one normalized event.
type Processor interface {
	Process(ctx context.Context, event events.Event) events.Result
}

// StatusProvider supplies fields for the status endpoint.
type StatusProvider interface {
	ActiveSessions() int
	ActivityCounts() map[string]int
}

// Server is the webhook HTTP server.
type Server struct {
	processor Processor
	status    StatusProvider
	queries   *metrics.QueryService
	secret    string
	logger    *logx.Logger
	server    *http.Server
}

// NewServer creates the webhook server. An empty secret disables signature
// verification; status may be nil.
func NewServer(processor Processor, status StatusProvider, secret string) *Server {
	return &Server{
		processor: processor,
		status:    status,
		secret:    secret,
		logger:    logx.NewLogger("webhook"),
	}
}

// SetQueryService enables the aggregated metrics endpoint. Call during
// wiring, before Start.
func (s *Server) SetQueryService(queries *metrics.QueryService) {
	s.queries = queries
}

// RegisterRoutes attaches all handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics/actions", s.handleActionMetrics)
	mux.Handle("/metrics", promhttp.Handler())
}

// Start begins serving on addr in a background goroutine.
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting webhook server on %s", addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("webhook server shutdown failed: %w", err)
	}
	return nil
}

// wirePayload is the tracker's delivery format. Comment deliveries nest the
// parent issue; issue deliveries carry the issue fields at the top of data.
type wirePayload struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
	Actor     struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"actor"`
	Data struct {
		ID        string `json:"id"`
		Body      string `json:"body"`
		Title     string `json:"title"`
		ProjectID string `json:"project_id"`
		Issue     *struct {
			ID         string `json:"id"`
			Identifier string `json:"identifier"`
			Title      string `json:"title"`
		} `json:"issue"`
	} `json:"data"`
	URL string `json:"url"`
}

func (p *wirePayload) normalize() events.Event {
	event := events.Event{
		Type:      p.Type,
		Action:    p.Action,
		CreatedAt: p.CreatedAt,
		Actor:     events.Actor{ID: p.Actor.ID, Name: p.Actor.Name},
		URL:       p.URL,
	}
	event.Data.ProjectID = p.Data.ProjectID
	switch p.Type {
	case events.TypeComment:
		event.Data.CommentID = p.Data.ID
		event.Data.Body = p.Data.Body
		if p.Data.Issue != nil {
			event.Data.IssueID = p.Data.Issue.ID
			event.Data.IssueIdentifier = p.Data.Issue.Identifier
			event.Data.IssueTitle = p.Data.Issue.Title
		}
	default:
		event.Data.IssueID = p.Data.ID
		event.Data.IssueTitle = p.Data.Title
	}
	return event
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejected delivery with bad signature from %s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	// From here on the delivery is acknowledged no matter what happens.
	var payload wirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("ignored malformed delivery: %v", err)
		s.writeJSON(w, map[string]any{"processed": false})
		return
	}

	result := s.processor.Process(r.Context(), payload.normalize())
	s.writeJSON(w, result)
}

// verifySignature checks the hex HMAC-SHA256 of body against the header
// value. Verification is skipped when no secret is configured.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if s.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{"status": "ok"}
	if s.status != nil {
		out["active_sessions"] = s.status.ActiveSessions()
		out["activity"] = s.status.ActivityCounts()
	}
	s.writeJSON(w, out)
}

// handleActionMetrics serves per-action execution aggregates read back from
// Prometheus. 404 when no query service is configured.
func (s *Server) handleActionMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.queries == nil {
		http.Error(w, "Metrics queries not configured", http.StatusNotFound)
		return
	}
	byAction, err := s.queries.GetMetricsByAction(r.Context())
	if err != nil {
		s.logger.Error("failed to query action metrics: %v", err)
		http.Error(w, "Metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, byAction)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response: %v", err)
	}
}
