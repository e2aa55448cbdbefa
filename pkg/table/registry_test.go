package table

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoserv/aoserv-client/pkg/protocol"
)

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	servers := newServers(newFakeMaster(nil))
	require.NoError(t, reg.Register(servers))
	require.Error(t, reg.Register(newServers(newFakeMaster(nil))), "duplicate id")

	got, err := reg.Lookup(testTable)
	require.NoError(t, err)
	assert.Equal(t, "servers", got.Name())

	_, err = reg.Lookup(77)
	assert.True(t, errors.Is(err, ErrUnknownTable))

	assert.Len(t, reg.Tables(), 1)
}

func TestRegistryIgnoresUnboundTables(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	master := newFakeMaster(nil, seedServers()...)
	servers := newServers(master)
	require.NoError(t, reg.Register(servers))

	_, err := servers.Rows(context.Background())
	require.NoError(t, err)

	reg.Invalidate([]protocol.TableID{500, 501}, "command")
	assert.True(t, servers.IsLoaded())

	reg.InvalidateAll("resync")
	assert.False(t, servers.IsLoaded())
}

func TestListenerCoalescesBursts(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	servers := newServers(newFakeMaster(nil))
	require.NoError(t, reg.Register(servers))

	var calls atomic.Int32
	remove, err := reg.AddListener(testTable, 50*time.Millisecond, func(id protocol.TableID) {
		assert.Equal(t, testTable, id)
		calls.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		reg.Invalidate([]protocol.TableID{testTable}, "command")
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	remove()
	reg.Invalidate([]protocol.TableID{testTable}, "command")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListenerWithoutDelay(t *testing.T) {
	reg := NewRegistry()

	servers := newServers(newFakeMaster(nil))
	require.NoError(t, reg.Register(servers))

	fired := make(chan protocol.TableID, 4)
	_, err := reg.AddListener(testTable, 0, func(id protocol.TableID) { fired <- id })
	require.NoError(t, err)

	reg.Invalidate([]protocol.TableID{testTable}, "listener")
	select {
	case id := <-fired:
		assert.Equal(t, testTable, id)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	reg.Close()
	_, err = reg.AddListener(testTable, 0, func(protocol.TableID) {})
	require.Error(t, err)
}

func TestRemoteTable(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	defer reg.Close()

	master := newFakeMaster(reg, seedServers()...)
	tickets := NewRemote(Spec[int64, *server]{
		ID:      testTable,
		Name:    "servers",
		Exec:    master,
		NewRow:  func() *server { return &server{} },
		OrderBy: []OrderBy[*server]{Desc("id", func(s *server) int64 { return s.id })},
	})
	require.NoError(t, reg.Register(tickets))

	row, ok, err := tickets.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mail.example.org", row.hostname)

	_, ok, err = tickets.Get(ctx, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := tickets.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0].id)

	filtered, err := tickets.Filter(ctx, byBusiness, "AOINDUSTRIES")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	require.NoError(t, tickets.Add(ctx, &server{id: 4, hostname: "x", business: "EXAMPLE"}))
	n, err := tickets.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = tickets.Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), master.fetches.Load(), "remote tables never cache")
}
