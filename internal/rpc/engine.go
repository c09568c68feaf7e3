package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
	"github.com/iknow13/CloudNet-v3/pkg/cmap"
)

// Engine defaults applied when Options leave them unset.
const (
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 64
)

// Call outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeClosed  = "closed"
)

// Metrics receives RPC counters.
type Metrics interface {
	RPCInvoked(contract, method, outcome string, elapsed time.Duration)
	RPCServed(contract, method, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RPCInvoked(string, string, string, time.Duration) {}
func (nopMetrics) RPCServed(string, string, string)                 {}

// Options configures an Engine.
type Options struct {
	Handlers *HandlerRegistry
	Timeout  time.Duration
	// Workers bounds how many inbound invocations run at once.
	Workers  int
	Logger   *slog.Logger
	Metrics  Metrics
}

// Engine executes inbound invocations against its HandlerRegistry and
// correlates responses to outbound FireSync calls.
type Engine struct {
	handlers *HandlerRegistry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  Metrics

	pending *cmap.Map[ulid.ULID, chan *response]
	slots   *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewEngine creates an engine. Call Bind to attach it to a listener registry.
func NewEngine(opts Options) *Engine {
	if opts.Handlers == nil {
		opts.Handlers = NewHandlerRegistry(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	e := &Engine{
		handlers: opts.Handlers,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("component", "rpc"),
		metrics:  opts.Metrics,
		pending:  cmap.New[ulid.ULID, chan *response](),
		slots:    semaphore.NewWeighted(int64(opts.Workers)),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Handlers returns the registry inbound invocations are resolved against.
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// Timeout returns the bound applied to FireSync.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Bind registers the request and response listeners on reg. Responses are
// completed inline on the read goroutine, so a listener that calls FireSync
// on its own channel still receives its answer.
func (e *Engine) Bind(reg *network.ListenerRegistry) {
	reg.AddListener(network.ChannelRPCRequest, network.PacketListenerFunc(e.handleRequest))
	reg.AddInlineListener(network.ChannelRPCResponse, network.PacketListenerFunc(e.handleResponse))
}

// Pending returns the number of FireSync calls waiting for a response.
func (e *Engine) Pending() int {
	return e.pending.Count()
}

// Close refuses new invocations, cancels running handler contexts and waits
// for them to return.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.running.Wait()
}

func (e *Engine) handleRequest(ch network.Channel, p *network.Packet) error {
	inv, err := decodeInvocation(p.Payload())
	if err != nil {
		return fmt.Errorf("decode rpc request: %w", err)
	}
	id, hasID := p.UniqueID()

	// Handlers run detached from the lane so a slow body only holds a slot.
	// Acquire blocks the lane once every slot is busy.
	if err := e.slots.Acquire(e.ctx, 1); err != nil {
		e.refuse(ch, inv, id, hasID)
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.slots.Release(1)
		e.refuse(ch, inv, id, hasID)
		return nil
	}
	e.running.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.running.Done()
		defer e.slots.Release(1)
		e.execute(ch, inv, id, hasID)
	}()
	return nil
}

func (e *Engine) refuse(ch network.Channel, inv *Invocation, id ulid.ULID, respond bool) {
	e.metrics.RPCServed(inv.Contract, inv.Method, OutcomeClosed)
	if !respond {
		return
	}
	resp := &response{failed: true, kind: domain.ErrChannelClosed.Code, message: "rpc engine closed"}
	ch.SendPacket(network.NewQueryPacket(network.ChannelRPCResponse, id, resp.encode()))
}

func (e *Engine) execute(ch network.Channel, inv *Invocation, id ulid.ULID, respond bool) {
	resp := e.invoke(ch, inv)

	outcome := OutcomeOK
	if resp.failed {
		outcome = OutcomeError
		if !respond {
			e.logger.Warn("fire-and-forget invocation failed",
				"invocation", inv.String(), "kind", resp.kind, "error", resp.message)
		}
	}
	e.metrics.RPCServed(inv.Contract, inv.Method, outcome)

	if respond {
		ch.SendPacket(network.NewQueryPacket(network.ChannelRPCResponse, id, resp.encode()))
	}
}

func (e *Engine) invoke(ch network.Channel, inv *Invocation) (resp *response) {
	fn, ok := e.handlers.Lookup(inv.Contract, inv.Method, inv.Shape)
	if !ok {
		return &response{failed: true, kind: "unknown_method", message: "no handler for " + inv.String()}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rpc handler panicked", "invocation", inv.String(), "panic", r)
			resp = &response{failed: true, kind: "panic", message: fmt.Sprint(r)}
		}
	}()

	ctx, cancel := context.WithTimeout(logger.WithChannelID(WithChannel(e.ctx, ch), ch.ID()), e.timeout)
	defer cancel()

	result, err := fn(ctx, inv.Args)
	if err != nil {
		kind := domain.GetErrorCode(err)
		if kind == "" {
			kind = "error"
		}
		return &response{failed: true, kind: kind, message: err.Error()}
	}
	return &response{result: result}
}

func (e *Engine) handleResponse(_ network.Channel, p *network.Packet) error {
	id, ok := p.UniqueID()
	if !ok {
		return errMalformed("rpc response without correlation id")
	}
	resp, err := decodeResponse(p.Payload())
	if err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}

	waiter, ok := e.pending.Pop(id)
	if !ok {
		e.logger.Debug("dropping rpc response without waiter", "id", id.String())
		return nil
	}
	waiter <- resp
	return nil
}

func (e *Engine) fireSync(ctx context.Context, ch network.Channel, inv *Invocation) ([]byte, error) {
	start := time.Now()
	result, outcome, err := e.await(ctx, ch, inv)
	e.metrics.RPCInvoked(inv.Contract, inv.Method, outcome, time.Since(start))
	return result, err
}

func (e *Engine) await(ctx context.Context, ch network.Channel, inv *Invocation) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	id := network.NewUniqueID()
	waiter := make(chan *response, 1)
	e.pending.Set(id, waiter)
	defer e.pending.Delete(id)

	if err := ch.SendPacketSync(ctx, network.NewQueryPacket(network.ChannelRPCRequest, id, inv.encode())); err != nil {
		if errors.Is(err, domain.ErrChannelClosed) {
			return nil, OutcomeClosed, err
		}
		if ctx.Err() == nil {
			return nil, OutcomeError, err
		}
		return nil, e.ctxOutcome(ctx), e.ctxError(ctx, inv)
	}

	select {
	case resp := <-waiter:
		if resp.failed {
			return nil, OutcomeError, remoteError(inv, resp)
		}
		return resp.result, OutcomeOK, nil
	case <-ch.Done():
		return nil, OutcomeClosed, domain.ErrChannelClosed.WithDetailsf("waiting for %s", inv)
	case <-ctx.Done():
		return nil, e.ctxOutcome(ctx), e.ctxError(ctx, inv)
	}
}

func (e *Engine) ctxOutcome(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeError
}

func (e *Engine) ctxError(ctx context.Context, inv *Invocation) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrRPCTimeout.WithDetailsf("%s", inv)
	}
	return ctx.Err()
}

func remoteError(inv *Invocation, resp *response) error {
	var cause error = errors.New(resp.message)
	if strings.HasPrefix(resp.kind, "CN-") {
		cause = domain.NewDomainError(resp.kind, resp.message)
	}
	return domain.ErrRemoteInvocation.
		WithDetailsf("%s#%s: %s: %s", inv.Contract, inv.Method, resp.kind, resp.message).
		WithCause(cause)
}

func errMalformed(format string, args ...any) error {
	return domain.ErrMalformedFrame.WithDetailsf(format, args...)
}
