// Package stdio serves the protocol over a line-framed byte stream: one JSON
// value per line in, one per line out. Exactly one session exists for the
// life of the stream and no session id appears on the wire.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mcpwire/mcpwire/engine"
	"github.com/mcpwire/mcpwire/internal/jsonrpc"
	"github.com/mcpwire/mcpwire/internal/logctx"
	"github.com/mcpwire/mcpwire/sessions"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the slog logger used by the server. Logs must go to stderr
// or a file: stdout carries protocol frames only.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is the line transport adapter. Requests are dispatched one at a
// time in arrival order; server-initiated notifications are interleaved
// between frames by a pump goroutine reading the session queue.
type Server struct {
	log      *slog.Logger
	registry *sessions.Registry
	eng      *engine.Engine
	in       io.Reader
	out      io.Writer

	writeMu sync.Mutex
}

func NewServer(in io.Reader, out io.Writer, registry *sessions.Registry, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		log:      slog.Default(),
		registry: registry,
		eng:      eng,
		in:       in,
		out:      out,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	return s
}

type lineOrErr struct {
	line string
	err  error
}

// Run drives the read-dispatch-respond loop until end of stream, a fatal
// write error, an exit call, or context cancellation. Transport failures
// terminate the session locally and are never surfaced as JSON-RPC errors;
// there is no client left to answer.
func (s *Server) Run(ctx context.Context) error {
	// Run's own exits (exit call, write failure) must also release the
	// reader goroutine, which may be blocked handing off the next line.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.registry.Create()
	defer s.registry.Remove(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	s.log.InfoContext(ctx, "stdio.start", slog.String("session_id", sess.ID()))

	sub, err := sess.Queue().Subscribe(0)
	if err != nil {
		return err
	}
	defer sub.Close()
	go s.pumpNotifications(ctx, sub)

	// A goroutine feeds lines through a channel so the loop can also honor
	// cancellation; a plain blocking read could never be interrupted.
	lines := make(chan lineOrErr)
	go func() {
		// bufio.Reader instead of Scanner: no max token size to trip on.
		reader := bufio.NewReader(s.in)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				select {
				case lines <- lineOrErr{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case lines <- lineOrErr{line: strings.TrimSuffix(line, "\n")}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var in lineOrErr
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "stdio.stop", slog.String("reason", "context"))
			return ctx.Err()
		case in = <-lines:
		}

		if in.err != nil {
			if errors.Is(in.err, io.EOF) {
				s.log.InfoContext(ctx, "stdio.stop", slog.String("reason", "eof"))
				return nil
			}
			s.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", in.err.Error()))
			return in.err
		}
		if strings.TrimSpace(in.line) == "" {
			continue
		}

		if err := s.handleLine(ctx, sess, []byte(in.line)); err != nil {
			s.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
			return err
		}

		// An exit call terminates the session; the response above was the
		// final frame.
		if sess.State() == sessions.StateTerminated {
			s.log.InfoContext(ctx, "stdio.stop", slog.String("reason", "exit"))
			return nil
		}
	}
}

// handleLine dispatches one inbound frame and writes its response frame, if
// any. The returned error is a write failure; decode and protocol errors are
// answered on the wire instead.
func (s *Server) handleLine(ctx context.Context, sess *sessions.Session, data []byte) error {
	if jsonrpc.IsBatch(data) {
		items, errResp := jsonrpc.DecodeBatch(data)
		if errResp != nil {
			return s.writeFrame(errResp)
		}
		responses := s.eng.HandleBatch(ctx, sess, items)
		if len(responses) == 0 {
			return nil
		}
		return s.writeFrame(responses)
	}

	msg, errResp := jsonrpc.DecodeMessage(data)
	if errResp != nil {
		return s.writeFrame(errResp)
	}
	resp := s.eng.HandleMessage(ctx, sess, msg)
	if resp == nil {
		return nil
	}
	return s.writeFrame(resp)
}

// pumpNotifications moves queued server-initiated messages to the output
// stream as they arrive. It exits when the session queue closes or the
// context ends.
func (s *Server) pumpNotifications(ctx context.Context, sub *sessions.Subscription) {
	for {
		n, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := s.writeRaw(n.Payload); err != nil {
			s.log.ErrorContext(ctx, "stdio.notify.write.fail", slog.String("err", err.Error()))
			return
		}
		sub.Ack(n.ID)
	}
}

func (s *Server) writeFrame(v any) error {
	line, err := jsonrpc.EncodeLine(v)
	if err != nil {
		return err
	}
	return s.write(line)
}

func (s *Server) writeRaw(payload jsonrpc.Message) error {
	return s.write(append(payload, '\n'))
}

// write serializes frame writes between the dispatch loop and the
// notification pump so lines never interleave.
func (s *Server) write(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.out.Write(line)
	return err
}
