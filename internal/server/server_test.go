package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aoserv/aoserv-client/pkg/config"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	return cfg
}

// startServer runs srv until the test ends.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv.Addr().String()
}

func dial(t *testing.T, addr string, args ...string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resp := roundTrip(t, conn, &protocol.Command{Type: protocol.CmdLogin, Args: args})
	require.Equal(t, protocol.RespOK, resp.Type, resp.Error)
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, cmd *protocol.Command) *protocol.Response {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteCommand(conn, cmd))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestLogin(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts = map[string]string{"admin": "hunter2"}
	addr := startServer(t, New(cfg))

	dial(t, addr, "admin", "hunter2", "c1")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	resp := roundTrip(t, conn, &protocol.Command{Type: protocol.CmdLogin, Args: []string{"admin", "wrong"}})
	assert.Equal(t, protocol.RespError, resp.Type)

	_, err = protocol.ReadResponse(conn)
	assert.Error(t, err, "connection closed after failed login")
}

func TestCommandBeforeLogin(t *testing.T) {
	addr := startServer(t, New(testConfig()))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, &protocol.Command{Type: protocol.CmdGetTable, Table: 1})
	assert.Equal(t, protocol.RespError, resp.Type)
	assert.Contains(t, resp.Error, "not logged in")
}

func TestTableCommands(t *testing.T) {
	addr := startServer(t, New(testConfig()))
	conn := dial(t, addr, "admin", "", "c1")

	resp := roundTrip(t, conn, &protocol.Command{Type: protocol.CmdAdd, Table: 2, Key: "b", Payload: []byte("row-b")})
	require.Equal(t, protocol.RespOK, resp.Type, resp.Error)
	assert.Equal(t, []protocol.TableID{2}, resp.Invalidate)
	assert.Equal(t, "c1", resp.Origin)

	roundTrip(t, conn, &protocol.Command{Type: protocol.CmdAdd, Table: 2, Key: "a", Payload: []byte("row-a")})

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdAdd, Table: 2, Key: "a", Payload: []byte("dup")})
	assert.Equal(t, protocol.RespError, resp.Type)
	assert.Empty(t, resp.Invalidate)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdGetTable, Table: 2})
	require.Equal(t, protocol.RespRows, resp.Type)
	assert.Equal(t, [][]byte{[]byte("row-a"), []byte("row-b")}, resp.Rows)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdUpdate, Table: 2, Key: "a", Payload: []byte("row-a2")})
	require.Equal(t, protocol.RespOK, resp.Type)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdGetObject, Table: 2, Key: "a"})
	assert.Equal(t, [][]byte{[]byte("row-a2")}, resp.Rows)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdGetObject, Table: 2, Key: "zz"})
	assert.Equal(t, protocol.RespRows, resp.Type)
	assert.Empty(t, resp.Rows)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdUpdate, Table: 2, Key: "zz", Payload: []byte("x")})
	assert.Equal(t, protocol.RespError, resp.Type)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdRemove, Table: 2, Key: "b"})
	assert.Equal(t, int64(1), resp.Int)
	assert.Equal(t, []protocol.TableID{2}, resp.Invalidate)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdRemove, Table: 2, Key: "b"})
	assert.Equal(t, int64(0), resp.Int)
	assert.Empty(t, resp.Invalidate)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdGetRowCount, Table: 2})
	assert.Equal(t, protocol.RespInt, resp.Type)
	assert.Equal(t, int64(1), resp.Int)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CmdTestConnection})
	assert.Equal(t, protocol.RespOK, resp.Type)

	resp = roundTrip(t, conn, &protocol.Command{Type: protocol.CommandType(200)})
	assert.Equal(t, protocol.RespError, resp.Type)
}

func TestDependenciesAreTransitive(t *testing.T) {
	srv := New(testConfig(), WithDependencies(map[protocol.TableID][]protocol.TableID{
		1: {2, 3},
		3: {4},
		4: {1},
	}))

	assert.Equal(t, []protocol.TableID{1, 2, 3, 4}, srv.affected(1))
	assert.Equal(t, []protocol.TableID{1, 2, 3, 4}, srv.affected(3))
	assert.Equal(t, []protocol.TableID{2}, srv.affected(2))

	addr := startServer(t, srv)
	conn := dial(t, addr, "admin", "", "c1")
	resp := roundTrip(t, conn, &protocol.Command{Type: protocol.CmdInvalidateTable, Table: 3})
	assert.Equal(t, []protocol.TableID{1, 2, 3, 4}, resp.Invalidate)
}

func TestListenerReceivesPushes(t *testing.T) {
	addr := startServer(t, New(testConfig()))

	listener := dial(t, addr, "admin", "", "watcher")
	resp := roundTrip(t, listener, &protocol.Command{Type: protocol.CmdListenCaches})
	require.Equal(t, protocol.RespOK, resp.Type)

	writer := dial(t, addr, "admin", "", "writer")
	roundTrip(t, writer, &protocol.Command{Type: protocol.CmdAdd, Table: 5, Key: "1", Payload: []byte("t")})

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	push, err := protocol.ReadResponse(listener)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespInvalidate, push.Type)
	assert.Equal(t, []protocol.TableID{5}, push.Invalidate)
	assert.Equal(t, "writer", push.Origin)
}

func TestSlowListenerIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.PushBuffer = 1
	srv := New(cfg)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	sess := &session{conn: serverSide, pushes: make(chan *protocol.Response, cfg.PushBuffer), connectorID: "slow", log: srv.log}
	srv.listeners[sess] = struct{}{}

	push := &protocol.Response{Type: protocol.RespInvalidate, Invalidate: []protocol.TableID{1}}
	srv.push(push)
	assert.Len(t, srv.listeners, 1)

	srv.push(push)
	assert.Empty(t, srv.listeners)

	_, err := clientSide.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF), "pipe closed, got %v", err)
}

func TestMaxConns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConns = 1
	addr := startServer(t, New(cfg))

	first := dial(t, addr, "admin", "", "c1")

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, protocol.WriteCommand(second, &protocol.Command{Type: protocol.CmdLogin, Args: []string{"admin", ""}}))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = protocol.ReadResponse(second)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "second connection must wait, got %v", err)

	require.NoError(t, first.Close())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := protocol.ReadResponse(second)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespOK, resp.Type)
}

func TestStopBeforeServe(t *testing.T) {
	srv := New(testConfig())
	require.NoError(t, srv.Stop())
	assert.Nil(t, srv.Addr())
}

func TestConnectionAcceptedDuringShutdownIsClosed(t *testing.T) {
	srv := New(testConfig())
	srv.closeSessions()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConnection(serverSide)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection outlived shutdown")
	}
	_, err := clientSide.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF), "pipe closed, got %v", err)
	assert.Empty(t, srv.sessions)
}
