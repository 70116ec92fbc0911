package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
)

// ErrNoRoute is returned when every hop in a chain failed.
var ErrNoRoute = errors.New("all upstreams failed")

// Connector reaches targets directly or through an ordered chain of hops.
// Dialers are built once per distinct hop and reused, so SSH transports are
// shared between sessions.
type Connector struct {
	cfg    Config
	log    *zap.Logger
	direct Dialer

	mu      sync.Mutex
	dialers map[Hop]Dialer
}

func NewConnector(cfg Config) *Connector {
	return &Connector{
		cfg:     cfg,
		log:     cfg.logger(),
		direct:  NewDirectDialer(cfg),
		dialers: make(map[Hop]Dialer),
	}
}

// Connect dials target. With no hops it dials directly; otherwise hops are
// tried strictly in order and the first success wins. Each failure is
// logged and the next hop tried; if all fail the joined errors are
// returned.
func (c *Connector) Connect(ctx context.Context, target address.Address, hops []Hop) (net.Conn, error) {
	if len(hops) == 0 {
		return c.direct.DialContext(ctx, "tcp", target.String())
	}

	var errs []error
	for i, hop := range hops {
		conn, err := c.dialHop(ctx, hop, target)
		if err == nil {
			if i > 0 {
				c.log.Info("upstream failover succeeded", zap.Stringer("upstream", hop), zap.Stringer("target", target), zap.Int("attempt", i+1))
			}
			return conn, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", hop, err))
		if ctx.Err() != nil {
			break
		}
		if i < len(hops)-1 {
			c.log.Warn("upstream failed, trying next", zap.Stringer("upstream", hop), zap.Stringer("target", target), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoRoute, errors.Join(errs...))
}

func (c *Connector) dialHop(ctx context.Context, hop Hop, target address.Address) (net.Conn, error) {
	d, err := c.dialer(hop)
	if err != nil {
		return nil, err
	}
	return d.DialContext(ctx, "tcp", target.String())
}

func (c *Connector) dialer(hop Hop) (Dialer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.dialers[hop]; ok {
		return d, nil
	}
	d, err := New(c.cfg, hop)
	if err != nil {
		return nil, err
	}
	c.dialers[hop] = d
	return d, nil
}

// Close releases shared hop transports.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for hop, d := range c.dialers {
		if cl, ok := d.(interface{ Close() error }); ok {
			errs = append(errs, cl.Close())
		}
		delete(c.dialers, hop)
	}
	return errors.Join(errs...)
}
