package network

import (
	"context"
	"net"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// DefaultDialTimeout bounds connection establishment when ctx has no
// deadline.
const DefaultDialTimeout = 5 * time.Second

// Dial connects to addr and returns the resulting non client provided
// channel.
func Dial(ctx context.Context, addr domain.HostAndPort, opts Options) (Channel, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if !addr.HasPort() {
		return nil, domain.ErrInvalidArgument.WithDetailsf("address %q has no port", addr.Host)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	d := net.Dialer{KeepAlive: DefaultKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, false, opts)
}
