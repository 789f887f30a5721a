// Package tracker is the central coordinator of the network: it authenticates
// users against the credential store, keeps the authoritative session registry
// with its file reverse index, and answers locate queries from peers.
package tracker

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/server"
	"github.com/wisp92/peershare/userdb"
)

// --------------------------------------------------------------------------------------------- //

/*
Tracker owns the session registry, the credential store, and the server
manager its handlers ride on.

Fields:
  - registry: Authoritative map of live peers.
  - store: Persistent user credentials and download counters.
  - manager: Accept loop + workers + cleaner, nil while stopped.
*/
type Tracker struct {
	registry *Registry
	store    *userdb.Store
	cfg      *config.Config

	mu      sync.Mutex
	manager *server.Manager
}

// --------------------------------------------------------------------------------------------- //

/*
New builds a tracker around an opened credential store.

Parameters:
  - store: The credential store; the tracker serialises all access to it.
  - cfg: Startup knobs.

Returns:
  - *Tracker: The assembled tracker, not yet listening.
*/
func New(store *userdb.Store, cfg *config.Config) *Tracker {
	return &Tracker{
		registry: NewRegistry(),
		store:    store,
		cfg:      cfg,
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Start binds the tracker's listening socket and begins serving requests.

Parameters:
  - addr: Listen address; ":0" binds a free port.

Returns:
  - error: Non-nil if already started or the bind fails.
*/
func (t *Tracker) Start(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager != nil {
		return fmt.Errorf("Tracker already started")
	}

	h := &handler{registry: t.registry, store: t.store, cfg: t.cfg}
	manager := server.NewManager(h, t.cfg.CleaningInterval)

	if err := manager.Start(addr); err != nil {
		return err
	}

	t.manager = manager
	log.Infof("Tracker started on %s", manager.Addr())

	return nil
}

// --------------------------------------------------------------------------------------------- //

// Stop drains the tracker cooperatively: in-flight requests finish, then the
// server shuts down.
func (t *Tracker) Stop() {
	t.mu.Lock()
	manager := t.manager
	t.manager = nil
	t.mu.Unlock()

	if manager != nil {
		manager.Drain()
	}
}

// --------------------------------------------------------------------------------------------- //

// Close shuts the tracker down forcefully, interrupting every worker.
func (t *Tracker) Close() {
	t.mu.Lock()
	manager := t.manager
	t.manager = nil
	t.mu.Unlock()

	if manager != nil {
		manager.Close()
	}
}

// --------------------------------------------------------------------------------------------- //

// Addr returns the bound listen address, or nil while stopped.
func (t *Tracker) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager == nil {
		return nil
	}

	return t.manager.Addr()
}

// --------------------------------------------------------------------------------------------- //

// Sessions returns the number of live sessions.
func (t *Tracker) Sessions() int {
	return t.registry.Count()
}

// --------------------------------------------------------------------------------------------- //

// ActiveWorkers returns the number of live connection workers, or zero while
// stopped.
func (t *Tracker) ActiveWorkers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager == nil {
		return 0
	}

	return t.manager.ActiveWorkers()
}

// --------------------------------------------------------------------------------------------- //
