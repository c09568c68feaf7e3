package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// Default channel tuning values.
const (
	DefaultHighWaterMark = 1 << 20
	DefaultWriteTimeout  = 30 * time.Second
	readChunkSize        = 32 << 10
)

// Channel is one established connection carrying packets.
type Channel interface {
	// ID uniquely identifies this channel instance.
	ID() string

	// SendPacket queues packets and returns immediately. Packets queued in
	// one call are flushed together.
	SendPacket(packets ...*Packet)

	// SendPacketSync returns once the packets were written, the channel
	// closed or ctx ended.
	SendPacketSync(ctx context.Context, packets ...*Packet) error

	// Writeable reports whether the channel is active and its send queue is
	// below the high-water mark.
	Writeable() bool

	// Active reports whether the channel has not been closed.
	Active() bool

	// Close releases the connection. It is safe to call more than once.
	Close() error

	// Done is closed once the channel closed.
	Done() <-chan struct{}

	ServerAddress() domain.HostAndPort
	ClientAddress() domain.HostAndPort

	// ClientProvided is true for channels accepted by a server.
	ClientProvided() bool

	// Registry returns the channel's private listener registry.
	Registry() *ListenerRegistry

	Handler() ChannelHandler
}

// Options configures channels created by NewChannel, Server and Dial.
type Options struct {
	// Handler receives lifecycle callbacks. Required.
	Handler ChannelHandler

	// Registry is the default registry every channel's private registry
	// falls back to. May be nil.
	Registry *ListenerRegistry

	// Dispatcher runs listener dispatch. Nil dispatches on the read goroutine.
	Dispatcher *Dispatcher

	// Bus receives PacketSendEvent. Nil disables send interception.
	Bus *eventbus.Bus

	Metrics Metrics
	Logger  *slog.Logger

	MaxFrameLength int
	HighWaterMark  int
	WriteTimeout   time.Duration

	// PacketRate limits inbound packets per second and channel; 0 disables.
	PacketRate  float64
	PacketBurst int
}

func (o Options) withDefaults() Options {
	if o.Handler == nil {
		o.Handler = ChannelHandlerFuncs{}
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxFrameLength <= 0 {
		o.MaxFrameLength = codec.DefaultMaxFrameLength
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PacketRate > 0 && o.PacketBurst <= 0 {
		o.PacketBurst = int(o.PacketRate)
		if o.PacketBurst < 1 {
			o.PacketBurst = 1
		}
	}
	return o
}

type writeRequest struct {
	data []byte
	done chan error
}

// tcpChannel implements Channel on a net.Conn with one read goroutine and
// one write goroutine. The write goroutine only moves bytes, so user code
// never runs on it and a synchronous send cannot wait on itself.
type tcpChannel struct {
	id             string
	conn           net.Conn
	opts           Options
	registry       *ListenerRegistry
	serverAddr     domain.HostAndPort
	clientAddr     domain.HostAndPort
	clientProvided bool
	limiter        *rate.Limiter
	logger         *slog.Logger

	mu          sync.Mutex
	queue       []writeRequest
	closed      bool
	initialized bool
	queuedBytes atomic.Int64

	notify    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewChannel wraps an established connection and starts its goroutines.
// clientProvided marks channels accepted by a server. If the handler refuses
// the channel in HandleChannelInitialize, the connection is closed and the
// error returned.
func NewChannel(conn net.Conn, clientProvided bool, opts Options) (Channel, error) {
	opts = opts.withDefaults()

	local := domain.HostAndPortFromAddr(conn.LocalAddr())
	remote := domain.HostAndPortFromAddr(conn.RemoteAddr())
	serverAddr, clientAddr := remote, local
	if clientProvided {
		serverAddr, clientAddr = local, remote
	}

	id := NewUniqueID().String()
	c := &tcpChannel{
		id:             id,
		conn:           conn,
		opts:           opts,
		serverAddr:     serverAddr,
		clientAddr:     clientAddr,
		clientProvided: clientProvided,
		notify:         make(chan struct{}, 1),
		closing:        make(chan struct{}),
		logger:         opts.Logger.With("channel", id, "remote", remote.String()),
	}
	c.registry = NewListenerRegistry(opts.Registry, c.logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if opts.PacketRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.PacketRate), opts.PacketBurst)
	}

	if err := opts.Handler.HandleChannelInitialize(c); err != nil {
		c.close()
		return nil, err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	opts.Metrics.ChannelOpened(clientProvided)

	go c.writeLoop()
	go c.readLoop()

	c.logger.Debug("channel opened", "client_provided", clientProvided)
	return c, nil
}

func (c *tcpChannel) ID() string                         { return c.id }
func (c *tcpChannel) ServerAddress() domain.HostAndPort { return c.serverAddr }
func (c *tcpChannel) ClientAddress() domain.HostAndPort { return c.clientAddr }
func (c *tcpChannel) ClientProvided() bool              { return c.clientProvided }
func (c *tcpChannel) Registry() *ListenerRegistry       { return c.registry }
func (c *tcpChannel) Handler() ChannelHandler           { return c.opts.Handler }
func (c *tcpChannel) Done() <-chan struct{}             { return c.closing }

func (c *tcpChannel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *tcpChannel) Writeable() bool {
	return c.Active() && c.queuedBytes.Load() < int64(c.opts.HighWaterMark)
}

func (c *tcpChannel) SendPacket(packets ...*Packet) {
	data := c.encode(packets)
	if len(data) == 0 {
		return
	}
	if err := c.enqueue(writeRequest{data: data}); err != nil {
		c.logger.Debug("dropping packets for closed channel", "count", len(packets))
	}
}

func (c *tcpChannel) SendPacketSync(ctx context.Context, packets ...*Packet) error {
	data := c.encode(packets)
	if len(data) == 0 {
		return nil
	}

	req := writeRequest{data: data, done: make(chan error, 1)}
	if err := c.enqueue(req); err != nil {
		return err
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encode publishes the send event for every packet and frames the ones that
// were not cancelled into one buffer.
func (c *tcpChannel) encode(packets []*Packet) []byte {
	var data []byte
	for _, p := range packets {
		if p == nil {
			continue
		}
		if c.opts.Bus != nil {
			ev := eventbus.Publish(c.opts.Bus, PacketSendEvent{Channel: c, Packet: p})
			if ev.Cancelled() {
				c.opts.Metrics.PacketCancelled(p.Channel())
				continue
			}
		}
		data = codec.WriteVarInt(data, int32(p.Len()))
		data = p.AppendEncoded(data)
		c.opts.Metrics.PacketSent(p.Channel(), p.Len())
	}
	return data
}

func (c *tcpChannel) enqueue(req writeRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.queue = append(c.queue, req)
	c.queuedBytes.Add(int64(len(req.data)))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *tcpChannel) writeLoop() {
	bw := bufio.NewWriterSize(c.conn, 64<<10)
	for {
		select {
		case <-c.notify:
		case <-c.closing:
			return
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		var err error
		if derr := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); derr != nil {
			err = derr
		}
		for _, req := range batch {
			if err != nil {
				break
			}
			_, err = bw.Write(req.data)
		}
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			err = domain.ErrChannelClosed.WithCause(err)
		}

		for _, req := range batch {
			c.queuedBytes.Add(-int64(len(req.data)))
			if req.done != nil {
				req.done <- err
			}
		}

		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *tcpChannel) readLoop() {
	decoder := codec.NewFrameDecoder(c.opts.MaxFrameLength)
	buf := make([]byte, readChunkSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, derr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				if !c.receive(frame) {
					return
				}
			}
			if derr != nil {
				c.fail(derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || !c.Active() {
				c.Close()
			} else {
				c.fail(err)
			}
			return
		}
	}
}

// receive decodes and dispatches one frame. It returns false once the
// channel should stop reading.
func (c *tcpChannel) receive(frame []byte) bool {
	p, err := DecodePacket(frame)
	if err != nil {
		c.fail(err)
		return false
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return false
		}
	}
	c.opts.Metrics.PacketReceived(p.Channel(), len(frame))

	if !c.opts.Handler.HandlePacketReceive(c, p) {
		return true
	}
	if c.registry.HandleInline(c, p) {
		return true
	}

	if c.opts.Dispatcher == nil {
		c.registry.HandlePacket(c, p)
		return true
	}
	if !c.opts.Dispatcher.Dispatch(c.id, func() { c.registry.HandlePacket(c, p) }) {
		c.logger.Debug("dispatcher closed, dropping packet", "channel_id", p.Channel())
	}
	return true
}

// fail reports err to the handler and closes the channel.
func (c *tcpChannel) fail(err error) {
	if c.Active() {
		c.logger.Debug("channel failed", "error", err)
		c.opts.Handler.HandleException(c, err)
	}
	c.Close()
}

func (c *tcpChannel) Close() error {
	c.close()
	return nil
}

func (c *tcpChannel) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.queue
		c.queue = nil
		initialized := c.initialized
		c.mu.Unlock()

		close(c.closing)
		c.cancel()
		_ = c.conn.Close()

		for _, req := range pending {
			c.queuedBytes.Add(-int64(len(req.data)))
			if req.done != nil {
				req.done <- domain.ErrChannelClosed
			}
		}

		if initialized {
			c.opts.Metrics.ChannelClosed(c.clientProvided)
			c.logger.Debug("channel closed")
			c.opts.Handler.HandleChannelInactive(c)
		}
	})
}
