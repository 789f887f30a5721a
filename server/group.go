package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------------------------- //

/*
worker is one live connection owned by a Manager.
Its last-active stamp is refreshed on every read and write through the tracked
connection, and is the only input the cleaner uses to evict it.

Fields:
  - ID: Identifier of the worker inside its group.
  - Conn: The accepted socket.
  - lastActive: Unix-nano stamp of the most recent successful read or write.
*/
type worker struct {
	ID         uuid.UUID
	Conn       net.Conn
	lastActive int64
}

func (w *worker) touch() {
	atomic.StoreInt64(&w.lastActive, time.Now().UnixNano())
}

func (w *worker) idleSince() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastActive))
}

// --------------------------------------------------------------------------------------------- //

// trackedConn wraps a worker's socket so that every read and write refreshes
// the worker's last-active stamp.
type trackedConn struct {
	net.Conn
	w *worker
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.w.touch()
	}

	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.w.touch()
	}

	return n, err
}

// --------------------------------------------------------------------------------------------- //

// group is the bag of live workers belonging to one Manager.
type group struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*worker
}

func newGroup() *group {
	return &group{workers: make(map[uuid.UUID]*worker)}
}

// --------------------------------------------------------------------------------------------- //

/*
add registers an accepted socket as a new worker.

Parameters:
  - conn: The accepted socket.

Returns:
  - *worker: The registered worker, already stamped active.
  - net.Conn: The tracked view of the socket the worker must use for all I/O.
*/
func (g *group) add(conn net.Conn) (*worker, net.Conn) {
	w := &worker{ID: uuid.New(), Conn: conn}
	w.touch()

	g.mu.Lock()
	g.workers[w.ID] = w
	g.mu.Unlock()

	return w, &trackedConn{Conn: conn, w: w}
}

// --------------------------------------------------------------------------------------------- //

func (g *group) remove(id uuid.UUID) {
	g.mu.Lock()
	delete(g.workers, id)
	g.mu.Unlock()
}

// --------------------------------------------------------------------------------------------- //

// count returns the number of live workers.
func (g *group) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.workers)
}

// --------------------------------------------------------------------------------------------- //

/*
closeIdle closes every worker whose inactivity exceeds the threshold.
Closing the socket is the sole termination mechanism: the worker's blocked read
returns an error and the serve goroutine unwinds and deregisters itself.

Parameters:
  - threshold: Maximum tolerated inactivity.

Returns:
  - int: Number of workers closed.
*/
func (g *group) closeIdle(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)
	closed := 0

	g.mu.Lock()
	for _, w := range g.workers {
		if w.idleSince().Before(cutoff) {
			w.Conn.Close()
			closed++
		}
	}
	g.mu.Unlock()

	return closed
}

// --------------------------------------------------------------------------------------------- //

// closeAll closes every worker's socket. Workers deregister themselves as their
// serve goroutines unwind.
func (g *group) closeAll() {
	g.mu.Lock()
	for _, w := range g.workers {
		w.Conn.Close()
	}
	g.mu.Unlock()
}

// --------------------------------------------------------------------------------------------- //
