package ctxutil

import "context"

type traceDataKey struct{}

// TraceData identifies the request a piece of work was started by. Resource is the API
// resource the request addressed ("job", "document"), ResourceID its id.
type TraceData struct {
	TraceID    string
	RequestID  string
	Resource   string
	ResourceID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceDataKey{}).(*TraceData)
	return td
}

// Default returns context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
