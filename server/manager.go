// Package server carries the connection plumbing shared by the tracker and by
// every peer's file server: the accept loop, the per-connection workers, the
// idle cleaner, and the cooperative and forced shutdown paths.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

// Handler dispatches one request that a worker has already read. The handler
// owns the rest of the conversation on conn: most requests answer once and
// return, the login handshake reads a follow-up request first.
type Handler interface {
	ServeConn(conn net.Conn, req *wire.Request)
}

// --------------------------------------------------------------------------------------------- //

/*
Manager runs one accept loop with its worker group and idle cleaner.

Fields:
  - handler: Role-specific dispatch for requests other than CheckAlive.
  - cleaningInterval: Cleaner wake period and worker idle bound.
  - listener: The bound listening socket, nil until Start.
*/
type Manager struct {
	handler          Handler
	cleaningInterval time.Duration

	mu       sync.Mutex
	listener net.Listener
	started  bool
	closed   bool

	group *group
	quit  chan struct{}
	wg    sync.WaitGroup
}

// --------------------------------------------------------------------------------------------- //

// NewManager builds a Manager; it does not bind until Start.
func NewManager(handler Handler, cleaningInterval time.Duration) *Manager {
	return &Manager{
		handler:          handler,
		cleaningInterval: cleaningInterval,
		group:            newGroup(),
		quit:             make(chan struct{}),
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Start binds the listening socket and launches the accept loop and the cleaner.

Parameters:
  - addr: Listen address; ":0" binds a free port.

Returns:
  - error: Non-nil if the manager already ran or the bind fails.
*/
func (m *Manager) Start(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("Server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("Binding %s failed: %v", addr, err)
	}

	m.listener = listener
	m.started = true

	m.wg.Add(2)
	go m.acceptLoop()
	go m.cleanerLoop()

	log.Infof("Server listening on %s", listener.Addr())

	return nil
}

// --------------------------------------------------------------------------------------------- //

// Addr returns the bound listen address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil {
		return nil
	}

	return m.listener.Addr()
}

// --------------------------------------------------------------------------------------------- //

// ActiveWorkers returns the number of live connection workers.
func (m *Manager) ActiveWorkers() int {
	return m.group.count()
}

// --------------------------------------------------------------------------------------------- //

/*
Drain asks the manager to stop cooperatively: no further connections are
accepted, in-flight workers run to completion, then the cleaner is stopped.

Returns:
  - None: Blocks until every worker has finished.
*/
func (m *Manager) Drain() {
	if !m.stopAccepting() {
		return
	}

	for m.group.count() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	close(m.quit)
	m.wg.Wait()

	log.Infof("Server drained")
}

// --------------------------------------------------------------------------------------------- //

/*
Close shuts the manager down forcefully: the listening socket is closed, the
cleaner is interrupted, and every worker has its socket closed so its blocked
read unwinds with an error.

Returns:
  - None: Blocks until the accept loop and the cleaner have exited.
*/
func (m *Manager) Close() {
	if !m.stopAccepting() {
		return
	}

	close(m.quit)
	m.group.closeAll()
	m.wg.Wait()

	log.Infof("Server closed")
}

// --------------------------------------------------------------------------------------------- //

// stopAccepting closes the listener exactly once. It reports whether this call
// was the one that initiated shutdown.
func (m *Manager) stopAccepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.closed {
		return false
	}

	m.closed = true
	m.listener.Close()

	return true
}

// --------------------------------------------------------------------------------------------- //

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		w, tracked := m.group.add(conn)

		go m.serve(w, tracked)
	}
}

// --------------------------------------------------------------------------------------------- //

/*
serve runs one worker: it reads exactly one request, answers CheckAlive
directly, and hands anything else to the role handler. Any malformed message or
I/O error closes the socket, which terminates both sides cleanly.

Parameters:
  - w: The registered worker.
  - conn: Tracked view of the worker's socket.
*/
func (m *Manager) serve(w *worker, conn net.Conn) {
	defer func() {
		conn.Close()
		m.group.remove(w.ID)
	}()

	req, err := wire.ReadRequest(conn)
	if err != nil {
		log.Debugf("Worker %s: closing on read error: %v", w.ID, err)
		return
	}

	if req.Type == wire.CheckAlive {
		rep, _ := wire.NewReply(wire.Success, nil)
		wire.WriteReply(conn, rep)
		return
	}

	m.handler.ServeConn(conn, req)
}

// --------------------------------------------------------------------------------------------- //

func (m *Manager) cleanerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleaningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.group.closeIdle(m.cleaningInterval); n > 0 {
				log.Infof("Cleaner evicted %d idle workers", n)
			}

		case <-m.quit:
			return
		}
	}
}

// --------------------------------------------------------------------------------------------- //
