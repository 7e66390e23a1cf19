package engine

import (
	"context"
	"encoding/json"
)

type progressKey struct{}

// ProgressFunc reports partial completion of a long-running handler.
type ProgressFunc func(progress, total float64)

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress emits a progress notification for the current request if the
// client asked for one via _meta.progressToken. It is a no-op otherwise, so
// handlers can call it unconditionally.
func ReportProgress(ctx context.Context, progress, total float64) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(progress, total)
	}
}

// progressToken extracts the raw _meta.progressToken from request params, or
// nil when absent.
func progressToken(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	var probe struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	if len(probe.Meta.ProgressToken) == 0 || string(probe.Meta.ProgressToken) == "null" {
		return nil
	}
	return probe.Meta.ProgressToken
}
