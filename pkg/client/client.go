// Package client provides the AOServ connector: the object that sends
// commands to the master on behalf of one account and keeps that account's
// table caches consistent.
//
// A Connector talks to a set of masters. All of them serve the same data;
// which one a connector prefers is decided by hashing its username onto a
// consistent-hash ring, and the next masters clockwise on the ring are the
// failover order. Each master gets its own connection pool and circuit
// breaker.
//
// Every response carries an invalidate list. The connector applies it to its
// table Registry before Execute returns, so a caller that changes a table and
// then reads it always sees its own change. Changes made by other clients
// reach the connector through the cache listener: a dedicated connection on
// which the master pushes invalidate lists.
//
// Basic Usage:
//
//	cfg, err := config.LoadClientConfig("")
//	conn, err := client.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	tables, err := schema.New(conn)
//	srv, ok, err := tables.Servers.ByHostname(ctx, "www.example.com")
//
// Connectors are expensive; share them through a ConnectorCache when many
// callers act as the same account.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/hash"
	"github.com/aoserv/aoserv-client/pkg/protocol"
	"github.com/aoserv/aoserv-client/pkg/table"
)

var (
	// ErrClosed is returned by operations on a closed Connector or ConnectorCache.
	ErrClosed = errors.New("connector closed")

	// ErrNoMasters is returned when the connector has no master to try.
	ErrNoMasters = errors.New("no masters available")

	// errUnsent marks failures that happened before a command reached the
	// wire. Only those are safe to retry for mutating commands.
	errUnsent = errors.New("command not sent")
)

// ServerError is an error reported by the master itself. It is never retried
// and does not count against the master's circuit breaker.
type ServerError struct {
	Master  string
	Message string
	Command protocol.CommandType
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("master %s: %s: %s", e.Master, e.Command, e.Message)
}

// Connector sends commands to the masters as one account.
// It is safe for concurrent use.
type Connector struct {
	cfg       *config.ClientConfig
	ring      *hash.Ring
	pools     map[string]*connectionPool
	breakers  map[string]*gobreaker.CircuitBreaker[*protocol.Response]
	limiter   *rate.Limiter
	registry  *table.Registry
	cancel    context.CancelFunc
	log       zerolog.Logger
	id        string
	wg        sync.WaitGroup
	closed    atomic.Bool
	listening atomic.Bool
}

// New creates a Connector from cfg. No connection is opened until the first
// command, except for the cache listener when cfg.ListenCaches is set.
func New(cfg *config.ClientConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Connector{
		cfg:      cfg,
		ring:     hash.New(cfg.VirtualNodes),
		pools:    make(map[string]*connectionPool, len(cfg.Masters)),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*protocol.Response], len(cfg.Masters)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RetryRate), 1),
		registry: table.NewRegistry(),
		id:       uuid.NewString(),
	}
	c.log = logging.Component("connector").With().
		Str("connector", c.id).
		Str("username", cfg.Username).
		Logger()

	for _, master := range cfg.Masters {
		c.ring.AddNode(master)
		c.pools[master] = newConnectionPool(master, c.id, cfg, c.log)
		c.breakers[master] = c.newBreaker(master)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if cfg.ListenCaches {
		c.wg.Add(1)
		go c.listenCaches(ctx)
	}

	c.log.Debug().Strs("masters", c.masters()).Msg("connector created")
	return c, nil
}

func (c *Connector) newBreaker(master string) *gobreaker.CircuitBreaker[*protocol.Response] {
	metrics.CircuitBreakerState.WithLabelValues(master).Set(float64(gobreaker.StateClosed))
	threshold := c.cfg.Breaker.FailureThreshold

	return gobreaker.NewCircuitBreaker[*protocol.Response](gobreaker.Settings{
		Name:        master,
		MaxRequests: c.cfg.Breaker.MaxRequests,
		Interval:    c.cfg.Breaker.Interval,
		Timeout:     c.cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Masters that answer with an error are healthy, and so are masters
		// the caller stopped waiting for. roundTrip only carries a context
		// error when the caller's ctx ended.
		IsSuccessful: func(err error) bool {
			var serverErr *ServerError
			return err == nil || errors.As(err, &serverErr) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("master", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// ID returns the connector id sent with every login. The master tags pushed
// invalidations with the id of the connector that caused them.
func (c *Connector) ID() string { return c.id }

// Registry returns the tables bound to this connector.
func (c *Connector) Registry() *table.Registry { return c.registry }

// Listening reports whether the cache listener connection is established.
func (c *Connector) Listening() bool { return c.listening.Load() }

// masters returns every master in failover order for this account.
func (c *Connector) masters() []string {
	return c.ring.Successors(c.cfg.Username, len(c.cfg.Masters))
}

// Execute sends cmd to the preferred master, failing over along the ring.
//
// Transport failures are retried up to RetryAttempts times, paced by the
// retry rate limiter. Mutating commands are only retried when they never
// reached a master. An error answer from the master is returned as a
// *ServerError without retrying.
//
// The response's invalidate list has been applied to Registry when Execute
// returns.
func (c *Connector) Execute(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	defer func() {
		metrics.CommandDuration.WithLabelValues(cmd.Type.String()).Observe(time.Since(start).Seconds())
	}()

	masters := c.masters()
	if len(masters) == 0 {
		return nil, ErrNoMasters
	}

	log := logging.Ctx(ctx, c.log)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%s: waiting to retry: %w (last error: %w)", cmd.Type, err, lastErr)
			}
		}

		master := masters[attempt%len(masters)]
		resp, err := c.breakers[master].Execute(func() (*protocol.Response, error) {
			return c.roundTrip(ctx, master, cmd)
		})
		if err == nil {
			c.registry.Invalidate(resp.Invalidate, metrics.SourceCommand)
			if resp.Type == protocol.RespError {
				metrics.CommandErrors.WithLabelValues(cmd.Type.String(), "server").Inc()
				return nil, &ServerError{Master: master, Command: cmd.Type, Message: resp.Error}
			}
			return resp, nil
		}

		var serverErr *ServerError
		switch {
		case errors.As(err, &serverErr):
			metrics.CommandErrors.WithLabelValues(cmd.Type.String(), "server").Inc()
			return nil, err
		case ctx.Err() != nil:
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.CommandErrors.WithLabelValues(cmd.Type.String(), "rejected").Inc()
			err = fmt.Errorf("%s: %w: %w", master, errUnsent, err)
		default:
			metrics.CommandErrors.WithLabelValues(cmd.Type.String(), "transport").Inc()
		}

		log.Debug().Err(err).
			Str("master", master).
			Stringer("command", cmd.Type).
			Int("attempt", attempt+1).
			Msg("command failed")
		lastErr = err

		if cmd.Type.Mutating() && !errors.Is(err, errUnsent) {
			return nil, fmt.Errorf("%s: %w", cmd.Type, err)
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", cmd.Type, c.cfg.RetryAttempts+1, lastErr)
}

// roundTrip runs one command on a pooled connection to master.
func (c *Connector) roundTrip(ctx context.Context, master string, cmd *protocol.Command) (*protocol.Response, error) {
	resp, err := c.send(ctx, master, cmd)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return resp, err
}

func (c *Connector) send(ctx context.Context, master string, cmd *protocol.Command) (*protocol.Response, error) {
	pool := c.pools[master]
	conn, err := pool.Get(ctx)
	if err != nil {
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errUnsent, err)
	}

	resp, reusable, err := exchange(ctx, conn, cmd, c.cfg)
	if reusable {
		pool.Put(conn)
	} else {
		pool.discard(conn)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", master, err)
	}
	return resp, nil
}

// Ping checks that a master answers.
func (c *Connector) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, &protocol.Command{Type: protocol.CmdTestConnection})
	return err
}

// InvalidateTable asks the master to report table id as changed to every
// client, including this one.
func (c *Connector) InvalidateTable(ctx context.Context, id protocol.TableID) error {
	_, err := c.Execute(ctx, &protocol.Command{Type: protocol.CmdInvalidateTable, Table: id})
	return err
}

// Close stops the cache listener, closes all pooled connections and stops
// the registry's listeners. Commands in flight fail with ErrClosed or a
// transport error.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	for _, pool := range c.pools {
		pool.Close()
	}
	c.registry.Close()

	c.log.Debug().Msg("connector closed")
	return nil
}
