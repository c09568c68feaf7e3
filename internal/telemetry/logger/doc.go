// Package logger configures structured logging for a CloudNet node.
//
// It builds log/slog handlers with a process-wide adjustable level and
// redaction of secret-looking attributes (the cluster secret, handshake
// MACs, passwords). Components receive a *slog.Logger at construction;
// the Logger interface and the context helpers serve call sites that carry
// a logger through a context.
package logger
