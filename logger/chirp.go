package logger

import (
	"context"

	logfld "github.com/nabbar/chirp/logger/fields"
)

// Component returns a child logger carrying the given component name as a
// structured field, for per-goroutine logging (accept loop, GC timer,
// reconnect timer, reader/writer pumps each get their own child logger).
// The child is a Clone of parent, so parent's fields are left unchanged; if
// parent cannot be cloned, parent is returned as is.
func Component(ctx context.Context, parent Logger, component string) Logger {
	if parent == nil {
		parent = New(ctx)
	}

	child, err := parent.Clone()
	if err != nil {
		return parent
	}

	child.SetFields(child.GetFields().Clone().Add("component", component))
	return child
}

// ConnFields builds the remote/conn/state field set every connection-level
// log line in this module carries.
func ConnFields(ctx context.Context, remote, conn, state string) logfld.Fields {
	return logfld.New(ctx).
		Add("remote", remote).
		Add("conn", conn).
		Add("state", state)
}
