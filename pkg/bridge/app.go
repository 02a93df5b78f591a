package bridge

import (
	"context"

	"github.com/rexliu/hostbridge/pkg/value"
)

// Exit asks the host to terminate the application with code.
func (b *Bridge) Exit(ctx context.Context, code int) error {
	return voidCall(ctx, b, "app.exit", obj(value.Pair("code", value.Int(int64(code)))))
}

// KillProcess asks the host to kill the application process immediately.
func (b *Bridge) KillProcess(ctx context.Context) error {
	return voidCall(ctx, b, "app.killProcess", value.Null())
}

// GetConfig returns the application configuration as the host sees it.
func (b *Bridge) GetConfig(ctx context.Context) (value.Value, error) {
	return b.Call(ctx, "app.getConfig", value.Null())
}

// Broadcast sends event to every app instance and extension.
func (b *Bridge) Broadcast(ctx context.Context, event string, data value.Value) error {
	return voidCall(ctx, b, "app.broadcast", eventArgs(event, data))
}

func (b *Bridge) ReadProcessInput(ctx context.Context, readAll bool) (string, error) {
	return decodeCall[string](ctx, b, "app.readProcessInput", obj(value.Pair("readAll", value.Bool(readAll))))
}

func (b *Bridge) WriteProcessOutput(ctx context.Context, data string) error {
	return voidCall(ctx, b, "app.writeProcessOutput", obj(value.Pair("data", value.String(data))))
}

func (b *Bridge) WriteProcessError(ctx context.Context, data string) error {
	return voidCall(ctx, b, "app.writeProcessError", obj(value.Pair("data", value.String(data))))
}

func eventArgs(event string, data value.Value) value.Value {
	v := obj(value.Pair("event", value.String(event)))
	if !data.IsNull() {
		v = v.With("data", data)
	}
	return v
}
