package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// listenCaches keeps one listener connection open, moving along the
// failover order whenever the current master drops it.
func (c *Connector) listenCaches(ctx context.Context) {
	defer c.wg.Done()

	reconnect := rate.NewLimiter(rate.Limit(c.cfg.RetryRate), 1)
	for attempt := 0; ; attempt++ {
		if err := reconnect.Wait(ctx); err != nil {
			return
		}

		masters := c.masters()
		master := masters[attempt%len(masters)]
		err := c.listenOnce(ctx, master)
		c.listening.Store(false)
		if ctx.Err() != nil {
			return
		}

		metrics.ListenerReconnects.Inc()
		c.log.Warn().Err(err).Str("master", master).Msg("cache listener disconnected")
	}
}

// listenOnce subscribes on master and applies pushed invalidate lists until
// the connection fails or ctx ends.
func (c *Connector) listenOnce(ctx context.Context, master string) error {
	conn, err := c.pools[master].dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	resp, _, err := exchange(ctx, conn, &protocol.Command{Type: protocol.CmdListenCaches}, c.cfg)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if resp.Type != protocol.RespOK {
		return &ServerError{Master: master, Command: protocol.CmdListenCaches, Message: resp.Error}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	// Pushes sent while no listener was connected are lost, so everything
	// cached before now is suspect.
	c.registry.InvalidateAll(metrics.SourceResync)
	c.listening.Store(true)
	c.log.Debug().Str("master", master).Msg("cache listener connected")

	for {
		push, err := protocol.ReadResponse(conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if push.Type != protocol.RespInvalidate {
			c.log.Warn().Uint8("type", uint8(push.Type)).Msg("unexpected message on listener connection")
			continue
		}
		// This connector applied its own changes when the command returned.
		if push.Origin == c.id {
			continue
		}
		c.registry.Invalidate(push.Invalidate, metrics.SourceListener)
	}
}
