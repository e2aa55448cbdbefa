package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoserv/aoserv-client/internal/metrics"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

// session is one client connection.
type session struct {
	conn        net.Conn
	pushes      chan *protocol.Response // set once the connection listens for invalidations
	log         zerolog.Logger
	connectorID string
	closeOnce   sync.Once
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		_ = sess.conn.Close()
	})
}

// track registers sess. A session accepted after shutdown began is closed
// right away; closeSessions has already run.
func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	closing := s.closing
	s.mu.Unlock()
	metrics.ServerConnections.Inc()

	if closing {
		sess.close()
	}
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	delete(s.listeners, sess)
	s.mu.Unlock()
	metrics.ServerConnections.Dec()
}

// handleConnection runs one connection from login to close.
func (s *Server) handleConnection(conn net.Conn) {
	sess := &session{conn: conn, log: s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()}
	s.track(sess)
	defer func() {
		s.untrack(sess)
		sess.close()
	}()

	cmd, err := s.readCommand(sess)
	if err != nil {
		return
	}
	id, err := s.login(cmd)
	if err != nil {
		sess.log.Warn().Err(err).Msg("login rejected")
		_ = s.writeResponse(sess, &protocol.Response{Type: protocol.RespError, Error: err.Error()})
		return
	}
	sess.connectorID = id
	sess.log = sess.log.With().Str("connector", id).Logger()
	if err := s.writeResponse(sess, &protocol.Response{Type: protocol.RespOK}); err != nil {
		return
	}
	sess.log.Debug().Msg("logged in")

	for {
		cmd, err := s.readCommand(sess)
		if err != nil {
			return
		}

		if cmd.Type == protocol.CmdListenCaches {
			s.listen(sess)
			return
		}

		resp := s.executeCommand(sess, cmd)
		if err := s.writeResponse(sess, resp); err != nil {
			return
		}
	}
}

// listen switches sess to push mode and forwards queued invalidate lists
// until the connection ends.
func (s *Server) listen(sess *session) {
	sess.pushes = make(chan *protocol.Response, s.cfg.PushBuffer)

	// Registered before the acknowledgement so no change made after the
	// client sees OK can be missed.
	s.mu.Lock()
	s.listeners[sess] = struct{}{}
	s.mu.Unlock()

	if err := s.writeResponse(sess, &protocol.Response{Type: protocol.RespOK}); err != nil {
		return
	}
	sess.log.Debug().Msg("listening for invalidations")

	// The client never writes on a listener connection; a read returning
	// means it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = sess.conn.SetReadDeadline(time.Time{})
		_, _ = io.Copy(io.Discard, sess.conn)
	}()
	defer func() {
		sess.close()
		<-gone
	}()

	for {
		select {
		case <-gone:
			return
		case resp := <-sess.pushes:
			if err := s.writeResponse(sess, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) readCommand(sess *session) (*protocol.Command, error) {
	if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return nil, err
	}
	cmd, err := protocol.ReadCommand(sess.conn)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			sess.log.Debug().Err(err).Msg("failed to read command")
		}
		return nil, err
	}
	return cmd, nil
}

func (s *Server) writeResponse(sess *session, resp *protocol.Response) error {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteResponse(sess.conn, resp); err != nil {
		sess.log.Debug().Err(err).Msg("failed to write response")
		return err
	}
	return nil
}
