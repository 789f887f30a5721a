package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

// stubHandler answers every dispatched request with a bare success.
type stubHandler struct{}

func (stubHandler) ServeConn(conn net.Conn, req *wire.Request) {
	rep, _ := wire.NewReply(wire.Success, nil)
	wire.WriteReply(conn, rep)
}

func startManager(t *testing.T, cleaningInterval time.Duration) *Manager {
	t.Helper()

	m := NewManager(stubHandler{}, cleaningInterval)
	require.NoError(t, m.Start("127.0.0.1:0"))
	t.Cleanup(m.Close)

	return m
}

// --------------------------------------------------------------------------------------------- //

func TestCheckAliveAnsweredAtWorkerLevel(t *testing.T) {
	m := startManager(t, time.Minute)

	req, err := wire.NewRequest(wire.CheckAlive, nil)
	require.NoError(t, err)

	rep, err := wire.Call(m.Addr().String(), time.Second, time.Second, req)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rep.Status)
}

// --------------------------------------------------------------------------------------------- //

func TestDispatchReachesHandler(t *testing.T) {
	m := startManager(t, time.Minute)

	req, err := wire.NewRequest(wire.Search, wire.SearchRequest{SessionID: 1, Filename: "a.bin"})
	require.NoError(t, err)

	rep, err := wire.Call(m.Addr().String(), time.Second, time.Second, req)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rep.Status)
}

// --------------------------------------------------------------------------------------------- //

// A connection that never sends a byte is evicted by the cleaner, and the
// client end observes the close.
func TestIdleWorkerEvicted(t *testing.T) {
	m := startManager(t, 100*time.Millisecond)

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.ActiveWorkers() == 1 }, time.Second, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return m.ActiveWorkers() == 0 }, time.Second, 10*time.Millisecond)
}

// --------------------------------------------------------------------------------------------- //

// An active connection keeps being stamped by its reads and writes and
// survives cleaning cycles shorter than the conversation.
func TestActiveWorkerSurvivesCleaner(t *testing.T) {
	m := startManager(t, 150*time.Millisecond)

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)

	req, err := wire.NewRequest(wire.CheckAlive, nil)
	require.NoError(t, err)
	require.NoError(t, wire.WriteRequest(conn, req))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rep.Status)
}

// --------------------------------------------------------------------------------------------- //

func TestDrainStopsAccepting(t *testing.T) {
	m := startManager(t, time.Minute)
	addr := m.Addr().String()

	m.Drain()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

// --------------------------------------------------------------------------------------------- //

func TestCloseUnblocksIdleWorkers(t *testing.T) {
	m := NewManager(stubHandler{}, time.Minute)
	require.NoError(t, m.Start("127.0.0.1:0"))

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.ActiveWorkers() == 1 }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	require.Eventually(t, func() bool { return m.ActiveWorkers() == 0 }, time.Second, 10*time.Millisecond)
}

// --------------------------------------------------------------------------------------------- //
