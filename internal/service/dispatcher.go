// Package service orchestrates the request core: it normalizes parsed
// frames into request descriptors, applies access rules, walks the
// handler chain and maps outcomes to response status codes.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/ctxkey"
	"github.com/hearthd/hearth/internal/domain/access"
	"github.com/hearthd/hearth/internal/domain/cookie"
	"github.com/hearthd/hearth/internal/domain/frame"
	"github.com/hearthd/hearth/internal/domain/session"
	"github.com/hearthd/hearth/internal/port/inbound"
)

// Reserved parameter names carrying pipeline directives. They are
// stripped from the parameter views handlers see.
const (
	// ParamState is the internal-state marker: an opaque integer
	// disambiguating which registered alternative handles the request.
	ParamState = "__hearth_state"
	// ParamAction names a side-effecting action to run before dispatch.
	ParamAction = "__hearth_action"
	// ParamActionReload requests a page reload after the action; absent
	// or false yields a bare 204.
	ParamActionReload = "__hearth_action_reload"
	// ParamTo names the target path the enclosed parameters were
	// generated for. When it differs from the resolved path the
	// parameters are preserved but segregated.
	ParamTo = "__hearth_to"
)

// Dispatcher turns parsed frames into normalized requests and runs the
// handler chain.
type Dispatcher struct {
	chain   []inbound.Handler
	actions map[string]ActionFunc
	checker *access.Checker
	engine  *session.Engine
	logger  *slog.Logger
	metrics *Metrics
}

// ActionFunc runs one named action's side effect.
type ActionFunc func(ctx context.Context, req *inbound.Request) error

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithAccessChecker installs the CEL access rules.
func WithAccessChecker(checker *access.Checker) DispatcherOption {
	return func(d *Dispatcher) { d.checker = checker }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAction registers a named action.
func WithAction(name string, fn ActionFunc) DispatcherOption {
	return func(d *Dispatcher) { d.actions[name] = fn }
}

// NewDispatcher builds a dispatcher over the handler chain. Stages are
// attempted in order until one claims the request.
func NewDispatcher(engine *session.Engine, chain []inbound.Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		chain:   chain,
		actions: make(map[string]ActionFunc),
		engine:  engine,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Input is everything the connection worker hands over per request.
type Input struct {
	Frame      *frame.Frame
	PostParams []frame.Param
	Files      []frame.Param
	Secure     bool
	RemoteAddr string
}

// Output is the response the worker must write.
type Output struct {
	Status     int
	Headers    map[string]string
	SetCookies []cookie.SetCookie
	// Body writes the response body; nil means empty.
	Body func(w io.Writer) error
}

// Dispatch runs one request through access rules, action handling and
// the handler chain, and maps every outcome to a response. It never
// returns an error: all failures become well-formed responses.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Output {
	start := time.Now()
	out := d.dispatch(ctx, in)
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(out.Status)).Inc()
		d.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, in Input) Output {
	req, err := d.normalize(in)
	if err != nil {
		d.logger.Debug("request normalization failed", "error", err)
		return statusOutput(400)
	}
	logger := d.logger.With("request_id", req.ID, "method", req.Method, "path", req.RawPath)
	ctx = context.WithValue(ctx, ctxkey.RequestIDKey{}, req.ID)
	ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)

	if d.checker != nil {
		allowed, err := d.checker.Allow(ctx, access.RequestAttrs{
			Method:     req.Method,
			Path:       req.RawPath,
			Host:       req.Host,
			Secure:     req.Secure,
			RemoteAddr: in.RemoteAddr,
		})
		if err != nil {
			logger.Warn("access rule evaluation failed", "error", err)
		}
		if !allowed {
			logger.Info("request denied by access rule")
			return d.finish(req, statusOutput(403))
		}
	}

	if req.Action != nil {
		if err := d.runAction(ctx, req); err != nil {
			logger.Error("action failed", "action", req.Action.Name, "error", err)
			return d.finish(req, statusOutput(500))
		}
		if !req.Action.Reload {
			return d.finish(req, statusOutput(204))
		}
	}

	result, err := d.walkChain(ctx, req)
	if err != nil {
		return d.finish(req, d.errorOutput(logger, err))
	}

	if !result.LastModified.IsZero() && !req.IfModifiedSince.IsZero() &&
		!result.LastModified.After(req.IfModifiedSince) {
		return d.finish(req, statusOutput(304))
	}

	status := result.Status
	if status == 0 {
		status = 200
	}
	return d.finish(req, Output{
		Status:  status,
		Headers: resultHeaders(result),
		Body:    result.Body,
	})
}

// finish attaches the session engine's cookie deltas to the response.
// An unset session value becomes an explicit expiring cookie so the
// client purges its copy.
func (d *Dispatcher) finish(req *inbound.Request, out Output) Output {
	if req != nil && req.Sessions != nil {
		out.SetCookies = req.Sessions.CookieDeltas()
	}
	return out
}

// runAction executes the named action's side effect before dispatch.
func (d *Dispatcher) runAction(ctx context.Context, req *inbound.Request) error {
	fn, ok := d.actions[req.Action.Name]
	if !ok {
		return errors.New("unknown action " + strconv.Quote(req.Action.Name))
	}
	return fn(ctx, req)
}

// walkChain tries each stage in order until one claims the request.
func (d *Dispatcher) walkChain(ctx context.Context, req *inbound.Request) (*inbound.Result, error) {
	for _, h := range d.chain {
		result, err := h.Handle(ctx, req)
		if errors.Is(err, inbound.ErrNotClaimed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fallthroughError(req.FallbackStatus)
}

type statusError int

func (e statusError) Error() string { return "no handler claimed the request" }

func fallthroughError(status int) error {
	if status == 0 {
		status = 404
	}
	return statusError(status)
}

// errorOutput maps handler-chain failures to responses. Uncaught
// failures become 500 and are logged with full detail; structured
// failures carry their own status.
func (d *Dispatcher) errorOutput(logger *slog.Logger, err error) Output {
	var redirect *inbound.Redirect
	if errors.As(err, &redirect) {
		status := redirect.Status
		if status != 301 && status != 303 {
			status = 303
		}
		out := statusOutput(status)
		out.Headers = map[string]string{"Location": redirect.Location}
		return out
	}
	var st statusError
	if errors.As(err, &st) {
		return statusOutput(int(st))
	}
	if errors.Is(err, inbound.ErrForbidden) {
		return statusOutput(403)
	}
	logger.Error("handler failed", "error", err)
	return statusOutput(500)
}

func statusOutput(status int) Output {
	return Output{Status: status}
}

func resultHeaders(result *inbound.Result) map[string]string {
	headers := make(map[string]string, len(result.Headers)+1)
	for k, v := range result.Headers {
		headers[k] = v
	}
	if !result.LastModified.IsZero() {
		headers["Last-Modified"] = result.LastModified.UTC().Format(http.TimeFormat)
	}
	return headers
}

// normalize builds the handler-facing request descriptor from the frame.
func (d *Dispatcher) normalize(in Input) (*inbound.Request, error) {
	f := in.Frame

	getParams, err := frame.ParseQuery(f.RawQuery)
	if err != nil {
		return nil, err
	}

	req := &inbound.Request{
		ID:             uuid.NewString(),
		Method:         f.Method,
		RawPath:        f.RawPath,
		Secure:         in.Secure,
		Files:          in.Files,
		FallbackStatus: 404,
	}
	req.Path, err = splitPath(f.RawPath)
	if err != nil {
		return nil, err
	}
	if host, ok := f.Header("Host"); ok {
		req.Host = host
	}
	if ims, ok := f.Header("If-Modified-Since"); ok {
		if t, err := parseHTTPDate(ims); err == nil {
			req.IfModifiedSince = t
		}
	}

	dirs := extractDirectives(&getParams)
	dirs.merge(extractDirectives(&in.PostParams))

	req.StateMarker = dirs.state
	req.Action = dirs.action

	if dirs.to != "" && dirs.to != f.RawPath {
		req.OtherParams = getParams
		req.OtherPostParams = in.PostParams
	} else {
		req.Params = getParams
		req.PostParams = in.PostParams
	}

	var pairs []cookie.Pair
	if raw, ok := f.Header("Cookie"); ok {
		pairs = cookie.Parse(raw)
	}
	req.Sessions = d.engine.NewView(in.Secure, pairs)

	return req, nil
}

// directives are the reserved parameters stripped during normalization.
type directives struct {
	state  *int
	action *inbound.Action
	to     string
}

func (dd *directives) merge(other directives) {
	if dd.state == nil {
		dd.state = other.state
	}
	if dd.action == nil {
		dd.action = other.action
	}
	if dd.to == "" {
		dd.to = other.to
	}
}

// extractDirectives removes reserved parameters from params in place and
// returns their decoded values.
func extractDirectives(params *[]frame.Param) directives {
	var dd directives
	var reload bool
	kept := (*params)[:0]
	for _, p := range *params {
		switch p.Key {
		case ParamState:
			if n, err := strconv.Atoi(p.Value); err == nil {
				dd.state = &n
			}
		case ParamAction:
			dd.action = &inbound.Action{Name: p.Value}
		case ParamActionReload:
			reload = p.Value == "true" || p.Value == "1"
		case ParamTo:
			dd.to = p.Value
		default:
			kept = append(kept, p)
		}
	}
	if dd.action != nil {
		dd.action.Reload = reload
	}
	*params = kept
	return dd
}

// splitPath decodes and segments the request path. "/" yields an empty
// slice. Dot segments are rejected rather than resolved.
func splitPath(rawPath string) ([]string, error) {
	if rawPath == "*" {
		return nil, nil
	}
	var segments []string
	for _, seg := range strings.Split(strings.TrimPrefix(rawPath, "/"), "/") {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, err
		}
		if decoded == "." || decoded == ".." {
			return nil, errors.New("dot segment in path")
		}
		segments = append(segments, decoded)
	}
	return segments, nil
}

// parseHTTPDate accepts the common HTTP date formats.
func parseHTTPDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized date format")
}
