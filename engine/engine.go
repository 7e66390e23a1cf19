// Package engine implements the per-session protocol state machine: it
// validates inbound JSON-RPC messages against the session's lifecycle state,
// normalizes parameters for the negotiated protocol revision, and routes
// method calls to a handler collaborator. Both transports drive the same
// engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"

	"github.com/mcpwire/mcpwire/internal/jsonrpc"
	"github.com/mcpwire/mcpwire/internal/logctx"
	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/protover"
	"github.com/mcpwire/mcpwire/sessions"
)

// Engine is the protocol state machine shared by the line and HTTP
// transports. It owns no I/O: transports decode bytes to messages, the
// engine turns messages into responses and queued notifications.
type Engine struct {
	log          *slog.Logger
	registry     *sessions.Registry
	invoker      Invoker
	info         mcp.ImplementationInfo
	caps         mcp.CapabilitySet
	instructions string
	namespaces   []glob.Glob
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithServerInfo sets the implementation info echoed in initialize results.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithCapabilities sets the server capabilities advertised at initialize, in
// canonical form. The version adapter renders them into the revision's wire
// shape.
func WithCapabilities(caps mcp.CapabilitySet) Option {
	return func(e *Engine) { e.caps = caps }
}

// WithInstructions sets optional usage instructions included in initialize
// results.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithNamespaces restricts which method names are forwarded to the invoker,
// as glob patterns ("tools/*", "resources/*"). Non-matching methods fail with
// method-not-found before the invoker is consulted. With no patterns, every
// method is forwarded.
func WithNamespaces(patterns ...string) Option {
	return func(e *Engine) {
		for _, p := range patterns {
			e.namespaces = append(e.namespaces, glob.MustCompile(p))
		}
	}
}

func New(registry *sessions.Registry, invoker Invoker, opts ...Option) *Engine {
	e := &Engine{
		log:      slog.Default(),
		registry: registry,
		invoker:  invoker,
		info:     mcp.ImplementationInfo{Name: "mcpwire", Version: "0.0.0"},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage runs one decoded message through the state machine. The
// returned response is nil for notifications: an error raised by a
// notification handler is logged, never answered, while a request always
// yields exactly one response.
func (e *Engine) HandleMessage(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	req := msg.AsRequest()
	if req == nil {
		// Clients have no business sending us responses.
		e.log.Warn("rpc.unexpected_response", slog.String("id", msg.ID.String()))
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   msg.Type(),
	})

	var resp *jsonrpc.Response
	if err := sess.BeginRequest(); err != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "session terminated", nil)
	} else {
		resp = e.dispatch(ctx, sess, req)
		sess.EndRequest()
	}

	if req.IsNotification() {
		if resp != nil && resp.Error != nil {
			e.log.Warn("rpc.notification.fail",
				slog.Int("code", int(resp.Error.Code)),
				slog.String("err", resp.Error.Message),
			)
		}
		return nil
	}
	if resp == nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "no response produced", nil)
	}
	return resp
}

// HandleBatch processes a decoded batch. Responses appear in the order of
// their corresponding requests; notifications contribute nothing. An empty
// slice means the batch held only notifications and the transport has
// nothing to send.
func (e *Engine) HandleBatch(ctx context.Context, sess *sessions.Session, items []jsonrpc.BatchItem) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, 0, len(items))
	for _, item := range items {
		if item.Err != nil {
			responses = append(responses, item.Err)
			continue
		}
		if resp := e.HandleMessage(ctx, sess, item.Msg); resp != nil {
			responses = append(responses, resp)
		}
	}
	return responses
}

// Notify queues a server-initiated notification for delivery on the
// session's out-of-band channel (poll or push for HTTP, the write loop for
// stdio).
func (e *Engine) Notify(sess *sessions.Session, method mcp.Method, params any) error {
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if _, err := sess.Queue().Enqueue(payload); err != nil {
		return err
	}
	e.log.Debug("notify.enqueue",
		slog.String("session_id", sess.ID()),
		slog.String("method", string(method)),
	)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, sess, req)
	case mcp.InitializedNotificationMethod:
		if sess.State() != sessions.StateInitialized {
			e.log.Warn("session.initialized_ack.unexpected", slog.String("state", string(sess.State())))
		}
		return nil
	case mcp.PingMethod:
		return e.handlePing(sess, req)
	case mcp.ShutdownMethod:
		return e.handleShutdown(ctx, sess, req)
	case mcp.ExitMethod:
		return e.handleExit(ctx, sess, req)
	default:
		return e.handleForwarded(ctx, sess, req)
	}
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.State() != sessions.StateUninitialized {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeAlreadyInitialized, "session already initialized", nil)
	}

	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed initialize params", nil)
	}

	version, err := protover.Negotiate(params.ProtocolVersion)
	if err != nil {
		// The session stays Uninitialized; HTTP removes it so the id
		// is never handed out.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidProtocolVersion,
			fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion), nil)
	}

	clientCaps, err := protover.ParseCapabilities(version, params.Capabilities)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed capabilities", nil)
	}

	if err := e.registry.Initialize(sess.ID(), version, clientCaps, e.caps, params.ClientInfo); err != nil {
		switch {
		case errors.Is(err, sessions.ErrAlreadyInitialized):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeAlreadyInitialized, "session already initialized", nil)
		case errors.Is(err, sessions.ErrNotFound):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUninitialized, "unknown session", nil)
		default:
			e.log.Error("session.initialize.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "initialize failed", nil)
		}
	}

	serverCaps, err := protover.RenderCapabilities(version, e.caps)
	if err != nil {
		e.log.Error("session.initialize.render_caps.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "initialize failed", nil)
	}

	return e.result(req, mcp.InitializeResult{
		ProtocolVersion: string(version),
		Capabilities:    serverCaps,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	})
}

func (e *Engine) handlePing(sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	switch sess.State() {
	case sessions.StateInitialized, sessions.StateShuttingDown:
		return e.result(req, mcp.EmptyResult{})
	case sessions.StateUninitialized:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUninitialized, "session not initialized", nil)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "session terminated", nil)
	}
}

func (e *Engine) handleShutdown(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if err := sess.BeginShutdown(); err != nil {
		switch {
		case errors.Is(err, sessions.ErrNotInitialized):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUninitialized, "session not initialized", nil)
		case errors.Is(err, sessions.ErrShuttingDown):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "shutdown already requested", nil)
		default:
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "session terminated", nil)
		}
	}
	e.log.Info("session.shutdown", slog.String("session_id", sess.ID()))
	return e.result(req, mcp.EmptyResult{})
}

// handleExit is the hard stop. Valid once the session is initialized,
// whether or not shutdown preceded it, and whether sent as a request or a
// notification. In-flight handlers on other channels keep running but their
// results are discarded with the session.
func (e *Engine) handleExit(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.State() == sessions.StateUninitialized {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUninitialized, "session not initialized", nil)
	}
	e.registry.Remove(sess.ID())
	e.log.Info("session.exit", slog.String("session_id", sess.ID()))
	return e.result(req, mcp.EmptyResult{})
}

func (e *Engine) handleForwarded(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	switch sess.State() {
	case sessions.StateUninitialized:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUninitialized, "session not initialized", nil)
	case sessions.StateShuttingDown:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "session is shutting down", nil)
	case sessions.StateTerminated:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeShuttingDown, "session terminated", nil)
	}

	if !e.forwardable(req.Method) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}

	version := sess.ProtocolVersion()
	params, err := protover.NormalizeRequest(version, req.Method, req.Params)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	if token := progressToken(params); token != nil {
		ctx = withProgress(ctx, func(progress, total float64) {
			err := e.Notify(sess, mcp.ProgressNotificationMethod, mcp.ProgressParams{
				ProgressToken: token,
				Progress:      progress,
				Total:         total,
			})
			if err != nil {
				e.log.Warn("notify.progress.fail", slog.String("err", err.Error()))
			}
		})
	}

	result, err := e.invoke(ctx, sess, req.Method, params)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, errorCode(err), err.Error(), nil)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		e.log.Error("rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	raw, err = protover.DenormalizeResult(version, req.Method, raw)
	if err != nil {
		e.log.Error("rpc.result.denormalize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}

	return &jsonrpc.Response{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Result:         raw,
		ID:             req.ID,
	}
}

// invoke shields the dispatch loop from handler panics so every request
// still gets exactly one response.
func (e *Engine) invoke(ctx context.Context, sess *sessions.Session, method string, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("rpc.handler.panic",
				slog.String("method", method),
				slog.Any("panic", r),
			)
			result = nil
			err = fmt.Errorf("internal error in %q handler", method)
		}
	}()
	return e.invoker.Invoke(ctx, sess, method, params)
}

func (e *Engine) forwardable(method string) bool {
	if e.invoker == nil {
		return false
	}
	if len(e.namespaces) == 0 {
		return true
	}
	for _, g := range e.namespaces {
		if g.Match(method) {
			return true
		}
	}
	return false
}

func (e *Engine) result(req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		e.log.Error("rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}

// errorCode maps invoker failures onto the protocol taxonomy. A *jsonrpc.Error
// passes its code through; sentinel misses map to their dedicated codes;
// anything else is an internal error.
func errorCode(err error) jsonrpc.ErrorCode {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, ErrMethodNotFound):
		return jsonrpc.ErrorCodeMethodNotFound
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.ErrorCodeInvalidParams
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}
