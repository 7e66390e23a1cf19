package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/engine"
	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/sessions"
	"github.com/mcpwire/mcpwire/toolset"
)

// syncBuffer is a goroutine-safe output sink; the notification pump writes
// concurrently with the dispatch loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for _, l := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func newStdioServer(t *testing.T, in io.Reader, out io.Writer) (*Server, *sessions.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := sessions.NewRegistry(sessions.WithLogger(log))

	tools := toolset.NewRegistry(
		toolset.New("echo", func(ctx context.Context, sess *sessions.Session, args struct {
			Text string `json:"text"`
		}) (*mcp.CallToolResult, error) {
			engine.ReportProgress(ctx, 1, 1)
			return toolset.TextResult(args.Text), nil
		}),
	)
	eng := engine.New(registry, tools,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.0"}),
		engine.WithCapabilities(mcp.CapabilitySet{"tools": {}}),
		engine.WithNamespaces("tools/*"),
	)
	return NewServer(in, out, registry, eng, WithLogger(log)), registry
}

type rpcLine struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int `json:"code"`
	} `json:"error"`
}

func parseLine(t *testing.T, line string) rpcLine {
	t.Helper()
	var out rpcLine
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("output line %q: %v", line, err)
	}
	return out
}

const initLine = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`

func TestLineSessionLifecycle(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		initLine,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"shutdown"}`,
		`{"jsonrpc":"2.0","id":4,"method":"exit"}`,
	}, "\n") + "\n")
	out := &syncBuffer{}
	srv, registry := newStdioServer(t, in, out)

	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 4 {
		t.Fatalf("got %d output lines: %v", len(lines), lines)
	}
	for i, want := range []string{"1", "2", "3", "4"} {
		got := parseLine(t, lines[i])
		if string(got.ID) != want {
			t.Fatalf("line %d has id %s, want %s", i, got.ID, want)
		}
		if got.Error != nil {
			t.Fatalf("line %d is an error: %+v", i, got.Error)
		}
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(parseLine(t, lines[0]).Result, &initResult); err != nil {
		t.Fatalf("unmarshal initialize result: %v", err)
	}
	if initResult.ProtocolVersion != "2024-11-05" {
		t.Fatalf("protocolVersion = %q", initResult.ProtocolVersion)
	}

	if registry.Len() != 0 {
		t.Fatalf("registry holds %d sessions after exit", registry.Len())
	}
}

func TestMalformedLineAnswersParseError(t *testing.T) {
	in := strings.NewReader("this is not json\n" + initLine + "\n")
	out := &syncBuffer{}
	srv, _ := newStdioServer(t, in, out)

	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d output lines: %v", len(lines), lines)
	}
	first := parseLine(t, lines[0])
	if first.Error == nil || first.Error.Code != -32700 {
		t.Fatalf("first line = %+v", first)
	}
	if string(first.ID) != "null" {
		t.Fatalf("parse error id = %s", first.ID)
	}
	if second := parseLine(t, lines[1]); second.Error != nil {
		t.Fatalf("initialize after bad line failed: %+v", second.Error)
	}
}

func TestRejectBeforeInitializeOnLines(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	out := &syncBuffer{}
	srv, _ := newStdioServer(t, in, out)

	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("got %d output lines: %v", len(lines), lines)
	}
	got := parseLine(t, lines[0])
	if got.Error == nil || got.Error.Code != -32002 {
		t.Fatalf("response = %+v", got)
	}
}

func TestBatchLine(t *testing.T) {
	in := strings.NewReader(initLine + "\n" +
		`[{"jsonrpc":"2.0","id":2,"method":"tools/list"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}]` + "\n")
	out := &syncBuffer{}
	srv, _ := newStdioServer(t, in, out)

	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := out.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d output lines: %v", len(lines), lines)
	}
	var batch []rpcLine
	if err := json.Unmarshal([]byte(lines[1]), &batch); err != nil {
		t.Fatalf("batch line %q: %v", lines[1], err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch holds %d responses", len(batch))
	}
	if string(batch[0].ID) != "2" || string(batch[1].ID) != "3" {
		t.Fatalf("batch ids = %s, %s", batch[0].ID, batch[1].ID)
	}
}

func TestExitReleasesReader(t *testing.T) {
	// A line queued behind exit leaves the reader goroutine blocked handing
	// it off; Run returning must release it without outside cancellation.
	in := strings.NewReader(strings.Join([]string{
		initLine,
		`{"jsonrpc":"2.0","id":2,"method":"exit"}`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
	}, "\n") + "\n")
	out := &syncBuffer{}
	srv, _ := newStdioServer(t, in, out)

	before := runtime.NumGoroutine()
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runtime.NumGoroutine() > before {
		select {
		case <-deadline:
			t.Fatalf("%d goroutines still running, started with %d", runtime.NumGoroutine(), before)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEOFTerminatesSession(t *testing.T) {
	in := strings.NewReader(initLine + "\n")
	out := &syncBuffer{}
	srv, registry := newStdioServer(t, in, out)

	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry holds %d sessions after EOF", registry.Len())
	}
}

func TestNotificationsPumpedToOutput(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	srv, _ := newStdioServer(t, pr, out)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	if _, err := pw.Write([]byte(initLine + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"},"_meta":{"progressToken":"tok"}}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The pump runs concurrently with the dispatch loop; wait for the
	// progress notification to land.
	deadline := time.After(2 * time.Second)
	var progressLine string
	for progressLine == "" {
		for _, l := range out.Lines() {
			if strings.Contains(l, "notifications/progress") {
				progressLine = l
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no progress notification in output: %v", out.Lines())
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := parseLine(t, progressLine)
	if got.Method != "notifications/progress" {
		t.Fatalf("line = %+v", got)
	}
	if len(got.ID) != 0 {
		t.Fatalf("notification carries id %s", got.ID)
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
