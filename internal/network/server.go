package network

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// DefaultKeepAlive is the TCP keep-alive period of accepted and dialed
// connections.
const DefaultKeepAlive = 30 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// Channel is applied to every accepted channel.
	Channel Options

	// Allow filters accepted connections by remote address. Nil accepts all.
	Allow func(remote domain.HostAndPort) bool

	KeepAlive time.Duration
}

// Server accepts connections on any number of listeners and turns each one
// into a client provided Channel.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	channels  map[string]Channel
}

// NewServer creates a server. Call Listen for every bind address.
func NewServer(cfg ServerConfig) *Server {
	cfg.Channel = cfg.Channel.withDefaults()
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Channel.Logger.With("component", "network-server"),
		channels: make(map[string]Channel),
	}
	s.running.Store(true)
	return s
}

// Listen binds addr and starts accepting in the background. The returned
// address is the bound one, which differs from addr when port 0 was given.
func (s *Server) Listen(ctx context.Context, addr domain.HostAndPort) (domain.HostAndPort, error) {
	if !s.running.Load() {
		return domain.HostAndPort{}, domain.ErrChannelClosed.WithDetails("server is shut down")
	}
	if err := addr.Validate(); err != nil {
		return domain.HostAndPort{}, err
	}

	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return domain.HostAndPort{}, err
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	bound := domain.HostAndPortFromAddr(ln.Addr())
	s.logger.Info("listening for cluster connections", "address", bound.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ln); err != nil && s.running.Load() {
			s.logger.Error("accept loop failed", "address", bound.String(), "error", err)
		}
	}()
	return bound, nil
}

// Addresses returns the addresses of all open listeners.
func (s *Server) Addresses() []domain.HostAndPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.HostAndPort, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, domain.HostAndPortFromAddr(ln.Addr()))
	}
	return out
}

// Channels returns the currently open accepted channels.
func (s *Server) Channels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		remote := domain.HostAndPortFromAddr(conn.RemoteAddr())
		if s.cfg.Allow != nil && !s.cfg.Allow(remote) {
			s.logger.Warn("rejected connection from address outside the whitelist", "remote", remote.String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	ch, err := NewChannel(conn, true, s.cfg.Channel)
	if err != nil {
		s.logger.Debug("channel initialization refused", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.channels[ch.ID()] = ch
	s.mu.Unlock()

	<-ch.Done()

	s.mu.Lock()
	delete(s.channels, ch.ID())
	s.mu.Unlock()
}

// Shutdown closes all listeners and accepted channels and waits for the
// accept loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ch := range channels {
		_ = ch.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}
