package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
	"github.com/Mindburn-Labs/keel/pkg/intent"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/projection"
	"github.com/Mindburn-Labs/keel/pkg/registry"
	"github.com/Mindburn-Labs/keel/pkg/snapshot"
	"github.com/Mindburn-Labs/keel/pkg/subscription"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the server fronts.
type Deps struct {
	DB            *database.DB
	Pipeline      *intent.Pipeline
	Events        *eventstore.Store
	Registry      *registry.Registry
	Projections   *projection.Engine
	Snapshots     *snapshot.Service
	Subscriptions *subscription.Service
	Verifier      *auth.Verifier
	Limiter       Limiter
	Telemetry     *observability.Provider
	Version       string
}

// Server exposes the platform over HTTP.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer builds a Server.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	limited := RateLimit(s.deps.Limiter)
	mux.Handle("POST /intents", limited(http.HandlerFunc(s.handleSubmitIntent)))
	mux.HandleFunc("POST /intents/{id}/approve", s.handleApproveIntent)
	mux.HandleFunc("GET /intents/{id}", s.handleGetIntent)
	mux.HandleFunc("GET /intents", s.handlePendingIntents)

	mux.HandleFunc("GET /audit/events", s.handleListEvents)
	mux.HandleFunc("GET /audit/events/{id}", s.handleGetEvent)

	mux.HandleFunc("GET /projections/{type}", s.handleProjectionRows)
	mux.HandleFunc("POST /projections/{type}/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /projections/{type}/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("POST /projections/{type}/snapshot", s.handleCreateSnapshot)
	mux.HandleFunc("GET /projections/{type}/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /snapshots/{id}/restore", s.handleRestoreSnapshot)

	mux.HandleFunc("GET /event-types", s.handleListEventTypes)
	mux.HandleFunc("POST /event-types", s.handleRegisterEventType)
	mux.HandleFunc("GET /event-types/{name}", s.handleGetEventType)

	mux.HandleFunc("POST /subscriptions", s.handleRegisterSubscription)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /subscriptions/{id}/ack", s.handleAcknowledge)
	mux.HandleFunc("GET /subscriptions/{id}/events", s.handlePollSubscription)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	var h http.Handler = mux
	h = Authenticate(s.deps.Verifier)(h)
	h = CORS(nil)(h)
	h = Recovery(s.log)(h)
	h = Metrics(s.deps.Telemetry)(h)
	h = Logging(s.log)(h)
	h = RequestID(h)
	return h
}

// errEmptyBody marks a request without a body, which some handlers accept.
var errEmptyBody = errors.New("api: empty request body")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	if err != nil {
		return apperr.Validation("body", "invalid_json", err.Error())
	}
	return nil
}

// decodeBody decodes a required request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if errors.Is(err, errEmptyBody) {
		return apperr.Validation("body", "empty_body", "request body is required")
	}
	return err
}

// decodeOptionalBody decodes a body when present and leaves dst zero when
// the request carries none.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

// queryInt parses an integer query parameter, using fallback when absent or
// malformed.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
