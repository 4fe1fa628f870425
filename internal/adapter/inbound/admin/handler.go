// Package admin is the built-in administrative surface, served through
// the same pipeline as page content: a handler-chain stage claiming the
// /_hearth/admin/ subtree. It exposes session enumeration and closing,
// health and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/hearthd/hearth/internal/domain/session"
	"github.com/hearthd/hearth/internal/port/inbound"
)

// pathRoot is the first path segment claimed by this handler.
const pathRoot = "_hearth"

// Handler serves the admin subtree. A nil keyHash disables everything
// except /healthz.
type Handler struct {
	engine   *session.Engine
	gatherer prometheus.Gatherer
	keyHash  string
	logger   *slog.Logger
	started  time.Time
	version  string
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetricsGatherer exposes a Prometheus registry at /_hearth/admin/metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithKeyHash sets the argon2id hash the admin key is verified against.
// Empty disables all authenticated routes.
func WithKeyHash(hash string) Option {
	return func(h *Handler) { h.keyHash = hash }
}

// WithLogger sets the handler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// NewHandler creates the admin chain stage.
func NewHandler(engine *session.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:  engine,
		logger:  slog.Default(),
		started: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle claims requests under /_hearth/ and routes them; everything
// else falls through to the next stage.
func (h *Handler) Handle(ctx context.Context, req *inbound.Request) (*inbound.Result, error) {
	if len(req.Path) == 0 || req.Path[0] != pathRoot {
		return nil, inbound.ErrNotClaimed
	}
	rest := req.Path[1:]

	if len(rest) == 1 && rest[0] == "healthz" {
		return h.health()
	}

	if len(rest) == 0 || rest[0] != "admin" {
		return nil, inbound.ErrNotClaimed
	}
	rest = rest[1:]

	if err := h.authorize(req); err != nil {
		return nil, err
	}

	switch {
	case len(rest) == 1 && rest[0] == "metrics":
		return h.metrics()
	case len(rest) == 1 && rest[0] == "sessions":
		return h.listSessions(req)
	case len(rest) == 2 && rest[0] == "sessions" && rest[1] == "close":
		return h.closeSession(req)
	default:
		return nil, inbound.ErrNotClaimed
	}
}

// authorize verifies the admin key parameter against the configured
// argon2id hash. The key travels as a parameter rather than a header so
// the whole surface stays reachable through the ordinary pipeline.
func (h *Handler) authorize(req *inbound.Request) error {
	if h.keyHash == "" {
		return inbound.ErrForbidden
	}
	key := paramValue(req, "key")
	if key == "" {
		return inbound.ErrForbidden
	}
	match, err := argon2id.ComparePasswordAndHash(key, h.keyHash)
	if err != nil {
		h.logger.Warn("admin key comparison failed", "error", err)
		return inbound.ErrForbidden
	}
	if !match {
		h.logger.Info("admin key rejected", "request_id", req.ID)
		return inbound.ErrForbidden
	}
	return nil
}

// health reports liveness without authentication.
func (h *Handler) health() (*inbound.Result, error) {
	body := map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	return jsonResult(200, body)
}

// metrics renders the Prometheus registry in text exposition format.
func (h *Handler) metrics() (*inbound.Result, error) {
	if h.gatherer == nil {
		return nil, inbound.ErrNotClaimed
	}
	families, err := h.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	return &inbound.Result{
		Headers: map[string]string{"Content-Type": string(expfmt.NewFormat(expfmt.TypeTextPlain))},
		Body: func(w io.Writer) error {
			enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
			for _, mf := range families {
				if err := enc.Encode(mf); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// sessionEntry is the wire shape of one enumerated session.
type sessionEntry struct {
	Token      string `json:"token"`
	Kind       string `json:"kind"`
	StateName  string `json:"state_name,omitempty"`
	Group      string `json:"group,omitempty"`
	Created    string `json:"created"`
	LastAccess string `json:"last_access"`
	Expiration string `json:"expiration,omitempty"`
}

// listSessions enumerates live sessions, optionally filtered by kind.
func (h *Handler) listSessions(req *inbound.Request) (*inbound.Result, error) {
	kinds := session.Kinds
	if name := paramValue(req, "kind"); name != "" {
		kind, ok := session.KindByName(name)
		if !ok {
			return jsonResult(400, map[string]any{"error": "unknown kind " + name})
		}
		kinds = []session.Kind{kind}
	}

	entries := make([]sessionEntry, 0, 32)
	for _, kind := range kinds {
		h.engine.Fold(kind, func(info session.Info) bool {
			e := sessionEntry{
				Token:      info.Token,
				Kind:       info.Kind.String(),
				StateName:  info.StateName,
				Group:      info.Group,
				Created:    info.Created.UTC().Format(time.RFC3339),
				LastAccess: info.LastAccess.UTC().Format(time.RFC3339),
			}
			if !info.Expiration.IsZero() {
				e.Expiration = info.Expiration.UTC().Format(time.RFC3339)
			}
			entries = append(entries, e)
			return true
		})
	}
	return jsonResult(200, map[string]any{"sessions": entries, "count": len(entries)})
}

// closeSession closes one session by kind and token. POST only.
func (h *Handler) closeSession(req *inbound.Request) (*inbound.Result, error) {
	if req.Method != "POST" {
		return jsonResult(400, map[string]any{"error": "close requires POST"})
	}
	kindName := postValue(req, "kind")
	token := postValue(req, "token")
	if kindName == "" || token == "" {
		return jsonResult(400, map[string]any{"error": "kind and token are required"})
	}
	kind, ok := session.KindByName(kindName)
	if !ok {
		return jsonResult(400, map[string]any{"error": "unknown kind " + kindName})
	}
	if err := h.engine.CloseByToken(kind, token); err != nil {
		return jsonResult(404, map[string]any{"error": err.Error()})
	}
	h.logger.Info("session closed by admin", "kind", kindName, "token", token)
	return jsonResult(200, map[string]any{"closed": token})
}

func paramValue(req *inbound.Request, key string) string {
	for _, p := range req.Params {
		if p.Key == key {
			return p.Value
		}
	}
	return postValue(req, key)
}

func postValue(req *inbound.Request, key string) string {
	for _, p := range req.PostParams {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func jsonResult(status int, body any) (*inbound.Result, error) {
	return &inbound.Result{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body: func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		},
	}, nil
}
