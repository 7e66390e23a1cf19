// Package streamhttp serves the protocol over HTTP: synchronous JSON-RPC
// exchanges via POST, notification delivery via GET (poll or server-sent
// events), and session termination via DELETE. Sessions are keyed by the
// Mcp-Session-Id header.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/mcpwire/mcpwire/engine"
	"github.com/mcpwire/mcpwire/internal/jsonrpc"
	"github.com/mcpwire/mcpwire/internal/logctx"
	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	getMediaTypes        = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// Go matches headers case-insensitively; canonical names for clarity.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	// mcpTestSessionHeader marks a session as harness-driven on initialize,
	// extending its idle timeout.
	mcpTestSessionHeader = "Mcp-Test-Session"
)

// sseMessageType is the event type used for pushed notifications.
var sseMessageType = sse.Type("message")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections where no
// JSON-RPC exchange is possible (bad media types, missing flusher). Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler is the HTTP transport adapter. One endpoint path carries the whole
// protocol: POST for inbound messages, GET for the notification channel,
// DELETE for explicit termination, OPTIONS for cross-origin preflight.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *sessions.Registry
	eng      *engine.Engine
	path     string
}

// New constructs a Handler serving the given endpoint (a path like "/mcp" or
// a full URL whose path is used).
func New(endpoint string, registry *sessions.Registry, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	h := &Handler{
		log:      slog.Default(),
		registry: registry,
		eng:      eng,
		path:     path,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", path), h.handleOptions)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleOptions answers cross-origin preflight without touching any session
// state.
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Mcp-Protocol-Version, Mcp-Test-Session, Last-Event-ID")
	hdr.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// handlePost carries inbound JSON-RPC traffic: a single message or a batch.
// The very first initialize arrives without a session header and mints one;
// everything else must present a live session id.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	if jsonrpc.IsBatch(body) {
		h.handlePostBatch(w, r, body)
		return
	}

	msg, errResp := jsonrpc.DecodeMessage(body)
	if errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}

	sess, errResp, created := h.resolveSession(r, msg)
	if errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}

	ctx = h.sessionContext(ctx, sess)
	if errResp := h.checkProtocolVersionHeader(r, sess, msg); errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}

	resp := h.eng.HandleMessage(ctx, sess, msg)

	if created {
		if resp == nil || resp.Error != nil {
			// A failed initialize never hands out a session id.
			h.registry.Remove(sess.ID())
		} else {
			w.Header().Set(mcpSessionIDHeader, sess.ID())
			resp = stampSessionMeta(resp, sess)
		}
	}
	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, string(pv))
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.notification.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	h.writeResponse(ctx, w, resp)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostBatch processes a top-level JSON array. Batches ride an existing
// session: initialize must be a lone document so the session header can be
// returned before any other traffic.
func (h *Handler) handlePostBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	start := time.Now()
	ctx := r.Context()

	sess, errResp := h.requireSession(r, nil)
	if errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}
	ctx = h.sessionContext(ctx, sess)
	if errResp := h.checkProtocolVersionHeader(r, sess, nil); errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}

	items, errResp := jsonrpc.DecodeBatch(body)
	if errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}

	responses := h.eng.HandleBatch(ctx, sess, items)
	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, string(pv))
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.batch.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		h.log.ErrorContext(ctx, "http.post.batch.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.batch.ok",
		slog.Int("responses", len(responses)),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleGet is the out-of-band notification channel. Clients accepting
// text/event-stream get a live push stream with replay from Last-Event-ID;
// clients accepting application/json drain the queue in one poll.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	media, _, err := contenttype.GetAcceptableMediaType(r, getMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include application/json or text/event-stream")
		h.log.WarnContext(ctx, "http.get.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	sess, errResp := h.requireSession(r, nil)
	if errResp != nil {
		h.writeResponse(ctx, w, errResp)
		return
	}
	ctx = h.sessionContext(ctx, sess)

	if media.Matches(eventStreamMediaType) {
		h.servePush(w, r, sess)
		return
	}
	h.servePoll(ctx, w, sess)
}

// servePoll drains the pending queue and returns the notifications as a JSON
// array, oldest first.
func (h *Handler) servePoll(ctx context.Context, w http.ResponseWriter, sess *sessions.Session) {
	items := sess.Queue().Drain()
	payloads := make([]json.RawMessage, 0, len(items))
	for _, n := range items {
		payloads = append(payloads, json.RawMessage(n.Payload))
	}

	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, string(pv))
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payloads); err != nil {
		h.log.ErrorContext(ctx, "http.get.poll.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.get.poll.ok", slog.Int("notifications", len(payloads)))
}

// servePush upgrades to a server-sent event stream. Queued notifications are
// replayed in arrival order before live ones; each event carries its queue
// id so a reconnecting client can acknowledge delivery via Last-Event-ID. An
// item is popped only after its write succeeds, so a broken connection loses
// nothing.
func (h *Handler) servePush(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	ctx := r.Context()

	var lastEventID uint64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastEventID = id
		}
	}

	sub, err := sess.Queue().Subscribe(lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrPushActive):
			writeJSONError(w, http.StatusConflict, "a push connection is already open for this session")
		case errors.Is(err, sessions.ErrQueueClosed):
			writeJSONError(w, http.StatusNotFound, "session terminated")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to subscribe")
		}
		h.log.WarnContext(ctx, "http.get.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	defer sub.Close()

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to upgrade to event stream")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.open", slog.Uint64("last_event_id", lastEventID))

	for {
		n, err := sub.Next(ctx)
		if err != nil {
			// Context end is the client going away; queue close is the
			// session being removed. Neither is answered on the wire.
			h.log.InfoContext(ctx, "sse.stream.close", slog.String("reason", err.Error()))
			return
		}

		msg := &sse.Message{
			ID:   sse.ID(strconv.FormatUint(n.ID, 10)),
			Type: sseMessageType,
		}
		msg.AppendData(string(n.Payload))
		if err := stream.Send(msg); err != nil {
			// Connection loss only; the unacknowledged item stays queued
			// for the next poll or push connection.
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		// Send only fills the buffered response writer; the event has not
		// left the server until the flush succeeds.
		if err := stream.Flush(); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		sub.Ack(n.ID)
	}
}

// handleDelete performs exit semantics for the session named in the header.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		h.log.WarnContext(ctx, "http.delete.missing_session_id")
		return
	}

	sess, err := h.registry.Get(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = h.sessionContext(ctx, sess)

	if pvHeader := r.Header.Get(mcpProtocolVersionHeader); pvHeader != "" {
		if pv := sess.ProtocolVersion(); pv != "" && pvHeader != string(pv) {
			writeJSONError(w, http.StatusPreconditionFailed, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pvHeader))
			return
		}
	}

	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, string(pv))
	}
	h.registry.Remove(sess.ID())
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// resolveSession maps the request onto a session. A missing header is only
// legal for a lone initialize request, which mints a fresh session; created
// reports that case so the caller can return (or withhold) the new id.
func (h *Handler) resolveSession(r *http.Request, msg *jsonrpc.AnyMessage) (sess *sessions.Session, errResp *jsonrpc.Response, created bool) {
	if r.Header.Get(mcpSessionIDHeader) != "" {
		sess, errResp := h.requireSession(r, msg)
		return sess, errResp, false
	}

	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		var id *jsonrpc.RequestID
		if req != nil {
			id = req.ID
		}
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUninitialized,
			"missing "+mcpSessionIDHeader+" header", nil), false
	}

	sess = h.registry.Create()
	if r.Header.Get(mcpTestSessionHeader) != "" {
		sess.MarkTestSession()
	}
	return sess, nil, true
}

// requireSession resolves the session header for calls that must already
// have one. An unknown or expired id is an unauthorized-session error,
// distinct from a malformed request.
func (h *Handler) requireSession(r *http.Request, msg *jsonrpc.AnyMessage) (*sessions.Session, *jsonrpc.Response) {
	var id *jsonrpc.RequestID
	if msg != nil {
		if req := msg.AsRequest(); req != nil {
			id = req.ID
		}
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUninitialized,
			"missing "+mcpSessionIDHeader+" header", nil)
	}
	sess, err := h.registry.Get(sessID)
	if err != nil {
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUninitialized,
			"unknown or expired session", nil)
	}
	return sess, nil
}

// checkProtocolVersionHeader rejects requests whose advertised protocol
// version disagrees with what the session negotiated. The inbound message,
// when given, contributes its id so the client can correlate the rejection.
func (h *Handler) checkProtocolVersionHeader(r *http.Request, sess *sessions.Session, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	pvHeader := r.Header.Get(mcpProtocolVersionHeader)
	if pvHeader == "" {
		return nil
	}
	if pv := sess.ProtocolVersion(); pv != "" && pvHeader != string(pv) {
		var id *jsonrpc.RequestID
		if msg != nil {
			if req := msg.AsRequest(); req != nil {
				id = req.ID
			}
		}
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "protocol version mismatch", nil)
	}
	return nil
}

func (h *Handler) sessionContext(ctx context.Context, sess *sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: string(sess.ProtocolVersion()),
		State:           string(sess.State()),
	})
}

// writeResponse sends a single JSON-RPC response document with the HTTP
// status derived from its error code.
func (h *Handler) writeResponse(ctx context.Context, w http.ResponseWriter, resp *jsonrpc.Response) {
	status := http.StatusOK
	if resp.Error != nil {
		status = jsonrpc.HTTPStatus(resp.Error.Code)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
	}
}

// stampSessionMeta echoes the freshly minted session id inside the
// initialize result body for revisions whose result schema carries _meta.
// Older-revision clients rely on the header alone.
func stampSessionMeta(resp *jsonrpc.Response, sess *sessions.Session) *jsonrpc.Response {
	if resp.Error != nil || len(resp.Result) == 0 || !sess.ProtocolVersion().SupportsResultMeta() {
		return resp
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return resp
	}

	meta := map[string]any{}
	if raw, ok := result["_meta"]; ok {
		_ = json.Unmarshal(raw, &meta)
	}
	meta["sessionId"] = sess.ID()

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return resp
	}
	result["_meta"] = metaRaw
	merged, err := json.Marshal(result)
	if err != nil {
		return resp
	}
	resp.Result = merged
	return resp
}
