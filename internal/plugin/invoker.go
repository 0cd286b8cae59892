package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/companion-dev/companion/internal/logging"
)

// Invoker wraps a Manager with the failure semantics the bridge relies on:
// an error or panic inside the middleware is reported once and never
// propagates, so permission requests and user messages are never lost to a
// plugin fault.
type Invoker struct {
	mgr Manager
}

// NewInvoker creates an invoker. A nil manager yields a disabled invoker.
func NewInvoker(mgr Manager) *Invoker {
	return &Invoker{mgr: mgr}
}

// Enabled reports whether a manager is configured.
func (iv *Invoker) Enabled() bool {
	return iv != nil && iv.mgr != nil
}

// Emit builds the typed event and delivers it. The second return is false
// when the middleware faulted; callers then publish a single error insight
// and take their default path.
func (iv *Invoker) Emit(ctx context.Context, name string, meta Meta, data map[string]any) (res Result, ok bool) {
	if !iv.Enabled() {
		return Result{}, true
	}

	meta.EventID = ulid.Make().String()
	meta.Timestamp = time.Now().UnixMilli()
	if meta.Source == "" {
		meta.Source = SourceBridge
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event", name).
				Str("session_id", meta.SessionID).
				Str("panic", fmt.Sprint(r)).
				Msg("plugin manager panicked")
			res, ok = Result{}, false
		}
	}()

	res, err := iv.mgr.Emit(ctx, Event{Name: name, Meta: meta, Data: data})
	if err != nil {
		logging.Error().
			Str("event", name).
			Str("session_id", meta.SessionID).
			Err(err).
			Msg("plugin manager failed")
		return Result{}, false
	}
	return res, true
}
