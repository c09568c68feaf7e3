package logger

import "context"

type contextKey string

const (
	loggerKey  contextKey = "cloudnet.logger"
	nodeIDKey  contextKey = "cloudnet.node_id"
	channelKey contextKey = "cloudnet.channel_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context.
// Returns the default logger if none is set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return Default()
}

// WithNodeID records the remote node an operation belongs to.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// WithChannelID records the channel an operation arrived on.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelKey, channelID)
}

// L returns the context logger enriched with the node and channel ids
// stored in ctx.
func L(ctx context.Context) Logger {
	l := FromContext(ctx)
	if id, ok := ctx.Value(nodeIDKey).(string); ok && id != "" {
		l = l.With("node", id)
	}
	if id, ok := ctx.Value(channelKey).(string); ok && id != "" {
		l = l.With("channel", id)
	}
	return l
}
