// Package web is the HTTP boundary of the sink: the discovery endpoint for
// the listener matrix, the websocket endpoint observers connect to, and the
// send-mail relay endpoint for generating test traffic.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/observer"
	"github.com/shineum/smtp-sink-lite/internal/provider"
	"github.com/shineum/smtp-sink-lite/internal/provider/relay"
	"github.com/shineum/smtp-sink-lite/internal/registry"
)

// HandlerConfig holds the collaborators the HTTP surface exposes.
type HandlerConfig struct {
	// Discovery is the descriptor-to-port table of started listeners,
	// populated once at startup.
	Discovery map[string]int

	// Registry and Tracker back the observer websocket endpoint.
	Registry *registry.Registry
	Tracker  *observer.Tracker

	// Outbound handles send-mail jobs that do not name a target host.
	Outbound provider.Provider
}

// Handler serves the sink's HTTP endpoints.
type Handler struct {
	mux      *http.ServeMux
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler builds the HTTP surface.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		mux: http.NewServeMux(),
		cfg: cfg,
	}
	h.mux.HandleFunc("GET /smtp-servers", h.handleDiscovery)
	h.mux.HandleFunc("GET /smtp-ws", h.handleObserver)
	h.mux.HandleFunc("POST /send-mail", h.handleSendMail)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleDiscovery returns the policy descriptor to port mapping.
func (h *Handler) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, h.cfg.Discovery)
}

// handleObserver upgrades the connection and runs an observer session until
// it closes.
func (h *Handler) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	observer.NewSession(conn, h.cfg.Registry, h.cfg.Tracker).Run()
}

// sendMailJob is the request body of the send-mail endpoint.
type sendMailJob struct {
	Host    string   `json:"host"`
	Port    string   `json:"port"`
	User    string   `json:"user"`
	Pass    string   `json:"pass"`
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// handleSendMail relays a test message: to the job's target host when one is
// given, through the configured outbound provider otherwise.
func (h *Handler) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var job sendMailJob
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&job); err != nil {
		slog.Debug("error decoding send-mail payload", "error", err)
		respondError(w, http.StatusBadRequest, "error-decoding-payload", "Error decoding payload")
		return
	}

	if job.From == "" || len(job.To) == 0 {
		respondError(w, http.StatusBadRequest, "missing-addresses", "Both from and to are required")
		return
	}

	prov := h.cfg.Outbound
	if job.Host != "" {
		port := job.Port
		if port == "" {
			port = "25"
		}
		prov = relay.New(job.Host, port, job.User, job.Pass)
	}

	msg := &email.Email{
		From:     job.From,
		To:       job.To,
		Subject:  job.Subject,
		TextBody: job.Body,
	}

	if err := prov.Send(r.Context(), msg); err != nil {
		slog.Error("error sending email", "provider", prov.Name(), "error", err)
		respondError(w, http.StatusBadRequest, "error-sending-email", "Error sending email: "+err.Error())
		return
	}

	respond(w, http.StatusOK, map[string]any{"ok": true})
}

// respond writes a JSON response.
func respond(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("error writing JSON response", "error", err)
	}
}

// respondError writes a structured JSON error.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respond(w, statusCode, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": strings.TrimSpace(message),
		},
	})
}
