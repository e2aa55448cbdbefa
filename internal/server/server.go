// Package server implements a reference AOServ master.
//
// The reference master keeps tables of encoded rows in memory and speaks the
// same protocol as the production master as far as the client cache layer is
// concerned: login, whole-table and single-row reads, row counts, mutations
// that answer with an invalidate list, and listener connections that receive
// invalidate lists pushed after other clients' mutations.
//
// It does not interpret rows. Primary keys arrive in their wire form in the
// command key and rows are stored exactly as encoded by the client.
//
// Example usage:
//
//	srv := server.New(cfg, server.WithDependencies(schema.Dependencies))
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve(ctx)
//	fmt.Println("listening on", srv.Addr())
//
// Architecture:
//   - One goroutine per connection, bounded by MaxConns
//   - Listener connections get a buffered push queue; a queue that overflows
//     gets its connection closed so the client re-syncs on reconnect
//   - Serve returns after every connection goroutine has finished
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aoserv/aoserv-client/internal/logging"
	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/internal/store"
	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// Server is a reference master instance.
type Server struct {
	cfg       *config.ServerConfig
	store     *store.Store
	deps      map[protocol.TableID][]protocol.TableID
	handlers  map[protocol.CommandType]handlerFunc
	sem       *semaphore.Weighted
	listener  net.Listener
	cancel    context.CancelFunc
	log       zerolog.Logger
	sessions  map[*session]struct{}
	listeners map[*session]struct{}
	closing   bool // set once Serve starts closing sessions
	mu        sync.Mutex
}

type handlerFunc func(*session, *protocol.Command) *protocol.Response

// Option configures a Server.
type Option func(*Server)

// WithDependencies sets, per table, the other tables whose client caches must
// also be dropped when it changes. Dependencies are followed transitively.
func WithDependencies(deps map[protocol.TableID][]protocol.TableID) Option {
	return func(s *Server) {
		s.deps = deps
	}
}

// WithStore serves rows from st instead of an empty store.
func WithStore(st *store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a Server from cfg. The server does not listen until Listen or
// Serve is called.
func New(cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store.New(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConns)),
		log:       logging.Component("master"),
		sessions:  make(map[*session]struct{}),
		listeners: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.handlers = map[protocol.CommandType]handlerFunc{
		protocol.CmdTestConnection:  s.handleTestConnection,
		protocol.CmdGetTable:        s.handleGetTable,
		protocol.CmdGetObject:       s.handleGetObject,
		protocol.CmdGetRowCount:     s.handleGetRowCount,
		protocol.CmdAdd:             s.handleAdd,
		protocol.CmdUpdate:          s.handleUpdate,
		protocol.CmdRemove:          s.handleRemove,
		protocol.CmdInvalidateTable: s.handleInvalidateTable,
	}
	return s
}

// Store returns the backing row store.
func (s *Server) Store() *store.Store {
	return s.store
}

// Listen binds the configured address. Serve calls it when needed; calling it
// first lets the caller read Addr before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := s.cfg.Address()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Stop is called, then closes
// every open connection and waits for their goroutines to finish.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	ln := s.listener
	s.cancel = cancel
	s.closing = false
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("master listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn().Err(err).Msg("error closing listener")
		}
		s.closeSessions()
		return nil
	})

	for {
		if err := s.sem.Acquire(gctx, 1); err != nil {
			break
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		g.Go(func() error {
			defer s.sem.Release(1)
			s.handleConnection(conn)
			return nil
		})
	}

	cancel()
	err := g.Wait()
	s.log.Info().Msg("master stopped")
	return err
}

// Stop makes a running Serve return. It is safe to call before Serve or more
// than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, ln := s.cancel, s.listener
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// executeCommand dispatches one command from a logged-in session.
func (s *Server) executeCommand(sess *session, cmd *protocol.Command) *protocol.Response {
	if handler := s.handlers[cmd.Type]; handler != nil {
		return handler(sess, cmd)
	}
	return errorResponse("unknown command: %s", cmd.Type)
}

func (s *Server) login(cmd *protocol.Command) (string, error) {
	if cmd.Type != protocol.CmdLogin {
		return "", fmt.Errorf("not logged in")
	}
	if len(cmd.Args) < 2 {
		return "", fmt.Errorf("login requires username and password")
	}

	username, password := cmd.Args[0], cmd.Args[1]
	if len(s.cfg.Accounts) > 0 {
		if want, ok := s.cfg.Accounts[username]; !ok || want != password {
			return "", fmt.Errorf("authentication failed for %s", username)
		}
	}

	if len(cmd.Args) > 2 && cmd.Args[2] != "" {
		return cmd.Args[2], nil
	}
	return uuid.NewString(), nil
}

// affected returns table and every table depending on it, transitively.
func (s *Server) affected(table protocol.TableID) []protocol.TableID {
	seen := map[protocol.TableID]bool{table: true}
	queue := []protocol.TableID{table}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range s.deps[id] {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	out := make([]protocol.TableID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// changed builds the response to a mutation of table and pushes the same
// invalidate list to every listening connection.
func (s *Server) changed(sess *session, table protocol.TableID, resp *protocol.Response) *protocol.Response {
	resp.Invalidate = s.affected(table)
	resp.Origin = sess.connectorID
	s.push(&protocol.Response{
		Type:       protocol.RespInvalidate,
		Invalidate: resp.Invalidate,
		Origin:     sess.connectorID,
	})
	return resp
}

func (s *Server) push(resp *protocol.Response) {
	s.mu.Lock()
	var dropped []*session
	for l := range s.listeners {
		select {
		case l.pushes <- resp:
			metrics.ServerPushes.WithLabelValues("sent").Inc()
		default:
			metrics.ServerPushes.WithLabelValues("dropped").Inc()
			delete(s.listeners, l)
			dropped = append(dropped, l)
		}
	}
	s.mu.Unlock()

	for _, l := range dropped {
		s.log.Warn().Str("connector", l.connectorID).Msg("listener push queue full, disconnecting")
		l.close()
	}
}

func errorResponse(format string, args ...any) *protocol.Response {
	return &protocol.Response{Type: protocol.RespError, Error: fmt.Sprintf(format, args...)}
}
