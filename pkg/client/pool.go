package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// connectionPool manages logged-in connections to a single master.
//
// Every connection holds one slot until it is discarded, so the pool never
// has more than maxConns connections open. Get waits for whichever comes
// first: an idle connection or a free slot. Connections idle for longer than
// IdleTimeout are closed instead of reused, since the master may already
// have dropped them.
type connectionPool struct {
	idle        chan pooledConn // logged-in connections ready for reuse
	slots       chan struct{} // one token per open connection
	done        chan struct{}
	cfg         *config.ClientConfig
	log         zerolog.Logger
	address     string
	connectorID string
	closeOnce   sync.Once
}

type pooledConn struct {
	net.Conn
	idleSince time.Time
}

func newConnectionPool(address, connectorID string, cfg *config.ClientConfig, log zerolog.Logger) *connectionPool {
	return &connectionPool{
		idle:        make(chan pooledConn, cfg.MaxConnsPerMaster),
		slots:       make(chan struct{}, cfg.MaxConnsPerMaster),
		done:        make(chan struct{}),
		cfg:         cfg,
		log:         log.With().Str("master", address).Logger(),
		address:     address,
		connectorID: connectorID,
	}
}

// Get returns an idle connection or dials a new one.
func (p *connectionPool) Get(ctx context.Context) (net.Conn, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	if conn, ok := p.takeIdle(); ok {
		return conn, nil
	}

	select {
	case pc := <-p.idle:
		if conn, ok := p.fresh(pc); ok {
			return conn, nil
		}
		return p.Get(ctx)
	case p.slots <- struct{}{}:
		conn, err := p.dial(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return conn, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// takeIdle returns an idle connection that is still fresh, without waiting.
func (p *connectionPool) takeIdle() (net.Conn, bool) {
	for {
		select {
		case pc := <-p.idle:
			if conn, ok := p.fresh(pc); ok {
				return conn, true
			}
		default:
			return nil, false
		}
	}
}

// fresh returns pc's connection unless it sat idle past IdleTimeout, in
// which case it is discarded.
func (p *connectionPool) fresh(pc pooledConn) (net.Conn, bool) {
	if idle := time.Since(pc.idleSince); idle > p.cfg.IdleTimeout {
		p.log.Debug().Dur("idle", idle).Msg("closing stale connection")
		p.discard(pc.Conn)
		return nil, false
	}
	return pc.Conn, true
}

// Put returns a healthy connection to the pool.
func (p *connectionPool) Put(conn net.Conn) {
	select {
	case <-p.done:
		p.discard(conn)
		return
	default:
	}

	select {
	case p.idle <- pooledConn{Conn: conn, idleSince: time.Now()}:
	default:
		p.discard(conn)
	}
}

// discard closes a connection that must not be reused and frees its slot.
func (p *connectionPool) discard(conn net.Conn) {
	if err := conn.Close(); err != nil {
		p.log.Debug().Err(err).Msg("error closing connection")
	}
	<-p.slots
}

// Close closes every idle connection. Connections in use are closed when
// they are returned.
func (p *connectionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for {
			select {
			case pc := <-p.idle:
				p.discard(pc.Conn)
			default:
				return
			}
		}
	})
}

// dial opens a connection and logs in. The returned connection is not
// counted against the pool; Get does that.
func (p *connectionPool) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.ConnTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.address, err)
	}

	login := &protocol.Command{
		Type: protocol.CmdLogin,
		Args: []string{p.cfg.Username, p.cfg.Password, p.connectorID},
	}
	resp, reusable, err := exchange(ctx, conn, login, p.cfg)
	if err == nil && !reusable {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("login to %s: %w", p.address, err)
	}
	if resp.Type == protocol.RespError {
		_ = conn.Close()
		return nil, &ServerError{Master: p.address, Command: protocol.CmdLogin, Message: resp.Error}
	}

	p.log.Debug().Msg("connection established")
	return conn, nil
}

// exchange writes cmd and reads one response within the configured timeouts,
// giving up early when ctx ends.
//
// reusable is false when ctx ended during the exchange. Its deadline hook
// may then still touch conn, so conn must not go back to the pool even if a
// response was read.
func exchange(ctx context.Context, conn net.Conn, cmd *protocol.Command, cfg *config.ClientConfig) (resp *protocol.Response, reusable bool, err error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			reusable = false
		}
	}()

	if err := conn.SetWriteDeadline(deadline(ctx, cfg.WriteTimeout)); err != nil {
		return nil, false, err
	}
	if err := protocol.WriteCommand(conn, cmd); err != nil {
		return nil, false, ctxErr(ctx, err)
	}

	if err := conn.SetReadDeadline(deadline(ctx, cfg.ReadTimeout)); err != nil {
		return nil, false, err
	}
	resp, err = protocol.ReadResponse(conn)
	if err != nil {
		return nil, false, ctxErr(ctx, err)
	}
	return resp, true, nil
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// ctxErr prefers the context's error over the i/o timeout it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
