// Package peer implements the client role: it registers its shared directory
// with the tracker, serves files to other peers, and downloads files from them
// through the download scheduler.
package peer

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/server"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

// DownloadRecord is one entry of the peer's download log, kept for statistics.
type DownloadRecord struct {
	Filename string
	Provider wire.Provider
	Download Status
	Ack      Status
}

// --------------------------------------------------------------------------------------------- //

/*
Peer is the command surface of one client process. Every user-facing operation
takes the configuration mutex with a try-lock and fails fast on contention, so
no user call can deadlock waiting for another.

Fields:
  - trackerAddr: Endpoint of the tracker; must be set before any operation.
  - sharedDir: Directory whose contents are announced and served.
  - sessionID: Live session id, zero while logged out.
  - manager: The peer's own file server, nil while logged out.
  - schedulers: Active and finished download schedulers by filename.
*/
type Peer struct {
	cfg *config.Config

	mu          sync.Mutex
	trackerAddr string
	sharedDir   string
	sessionID   int32
	manager     *server.Manager

	logMu      sync.Mutex
	schedulers map[string]*Scheduler
	order      []string
}

// --------------------------------------------------------------------------------------------- //

// New builds a peer with no tracker, no shared directory, and no session.
func New(cfg *config.Config) *Peer {
	return &Peer{
		cfg:        cfg,
		schedulers: make(map[string]*Scheduler),
	}
}

// --------------------------------------------------------------------------------------------- //

// SetTracker records the tracker endpoint used by every subsequent operation.
func (p *Peer) SetTracker(addr string) bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()

	p.trackerAddr = addr

	return true
}

// --------------------------------------------------------------------------------------------- //

// SetSharedDirectory records the directory announced and served after the next
// login.
func (p *Peer) SetSharedDirectory(dir string) bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()

	p.sharedDir = dir

	return true
}

// --------------------------------------------------------------------------------------------- //

/*
Register creates a new user at the tracker. One round-trip; no peer state
changes.

Parameters:
  - creds: Username and password to register.

Returns:
  - bool: True iff the tracker accepted the registration.
*/
func (p *Peer) Register(creds wire.Credentials) bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()

	if p.trackerAddr == "" {
		log.Warnf("Register: no tracker configured")
		return false
	}

	req, err := wire.NewRequest(wire.Register, creds)
	if err != nil {
		return false
	}

	_, err = wire.Call(p.trackerAddr, p.cfg.ConnectTimeout, p.cfg.IOTimeout, req)
	if err != nil {
		log.Infof("Register %q failed: %v", creds.Username, err)
		return false
	}

	log.Infof("Registered %q", creds.Username)

	return true
}

// --------------------------------------------------------------------------------------------- //

/*
Login performs the two-step handshake and brings the peer's file server up
between the steps. The client goroutine and this command thread rendezvous on
two one-shot channels: the session id comes out of step 1, then the server is
started here and its bound port is signalled back before the announcement may
be sent. On any failure the server is stopped again and no session id is kept.

Parameters:
  - creds: Username and password to log in with.

Returns:
  - bool: True iff the handshake completed and the session is live.
*/
func (p *Peer) Login(creds wire.Credentials) bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()

	if p.trackerAddr == "" || p.sharedDir == "" {
		log.Warnf("Login: tracker or shared directory not configured")
		return false
	}

	if p.sessionID != 0 {
		log.Warnf("Login: already logged in")
		return false
	}

	idCh := make(chan int32, 1)
	readyCh := make(chan int, 1)
	resultCh := make(chan bool, 1)

	go p.loginClient(p.trackerAddr, p.sharedDir, creds, idCh, readyCh, resultCh)

	id, ok := <-idCh
	if !ok {
		<-resultCh
		return false
	}

	manager := server.NewManager(&fileServer{dir: p.sharedDir, cfg: p.cfg}, p.cfg.CleaningInterval)
	if err := manager.Start(":0"); err != nil {
		log.Errorf("Login: starting file server: %v", err)
		close(readyCh)
		<-resultCh
		return false
	}

	readyCh <- manager.Addr().(*net.TCPAddr).Port

	if !<-resultCh {
		manager.Close()
		p.sessionID = 0
		return false
	}

	p.sessionID = id
	p.manager = manager

	log.Infof("Logged in as %q, session %d, serving on %s", creds.Username, id, manager.Addr())

	return true
}

// --------------------------------------------------------------------------------------------- //

/*
Logout tears the session down. The server-side logout is attempted whenever a
session id is retained — even a stale one, under the cooperative-logout policy,
to help the tracker free state faster. The local server is stopped and the
session id cleared regardless of what the tracker answered.

Returns:
  - bool: True iff the tracker confirmed the logout and local state is clean.
*/
func (p *Peer) Logout() bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()

	serverSide := false

	if p.sessionID != 0 && (p.manager != nil || p.cfg.CooperativeLogout) {
		req, err := wire.NewRequest(wire.Logout, wire.SessionRef{SessionID: int64(p.sessionID)})
		if err == nil {
			_, err = wire.Call(p.trackerAddr, p.cfg.ConnectTimeout, p.cfg.IOTimeout, req)
			serverSide = err == nil
		}

		if !serverSide {
			log.Infof("Logout: tracker did not confirm session %d", p.sessionID)
		}
	}

	if p.manager != nil {
		p.manager.Close()
		p.manager = nil
	}

	p.sessionID = 0

	return serverSide
}

// --------------------------------------------------------------------------------------------- //

/*
AddDownload issues a download of one filename through a new scheduler. A
request is ignored while another scheduler for the same filename is active, and
a filename already present in the shared directory is never scheduled.

Parameters:
  - filename: The file to fetch.

Returns:
  - *Scheduler: The started scheduler, or nil if the request was refused.
*/
func (p *Peer) AddDownload(filename string) *Scheduler {
	if !p.mu.TryLock() {
		return nil
	}
	defer p.mu.Unlock()

	if p.sessionID == 0 {
		log.Warnf("Download %q: not logged in", filename)
		return nil
	}

	if _, err := os.Stat(filepath.Join(p.sharedDir, filename)); err == nil {
		log.Infof("Download %q: already in shared directory", filename)
		return nil
	}

	p.logMu.Lock()
	if existing, active := p.schedulers[filename]; active {
		select {
		case <-existing.done:
		default:
			p.logMu.Unlock()
			log.Infof("Download %q: already in progress", filename)
			return nil
		}
	}

	s := newScheduler(filename, p.trackerAddr, p.sharedDir, p.sessionID, p.cfg)

	if _, seen := p.schedulers[filename]; !seen {
		p.order = append(p.order, filename)
	}
	p.schedulers[filename] = s
	p.logMu.Unlock()

	go s.Run()

	return s
}

// --------------------------------------------------------------------------------------------- //

// Downloads snapshots the download log in issue order.
func (p *Peer) Downloads() []DownloadRecord {
	p.logMu.Lock()
	defer p.logMu.Unlock()

	records := make([]DownloadRecord, 0, len(p.order))

	for _, filename := range p.order {
		s := p.schedulers[filename]
		download, ack := s.Statuses()

		records = append(records, DownloadRecord{
			Filename: filename,
			Provider: s.Provider(),
			Download: download,
			Ack:      ack,
		})
	}

	return records
}

// --------------------------------------------------------------------------------------------- //

// SessionID returns the live session id, or zero while logged out.
func (p *Peer) SessionID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sessionID
}

// --------------------------------------------------------------------------------------------- //

// ServerAddr returns the file server's bound address, or nil while logged out.
func (p *Peer) ServerAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager == nil {
		return nil
	}

	return p.manager.Addr()
}

// --------------------------------------------------------------------------------------------- //

// Close force-stops the peer's file server and clears the session id. Running
// download schedulers are not interrupted, and no LOGOUT is sent.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager != nil {
		p.manager.Close()
		p.manager = nil
	}

	p.sessionID = 0
}

// --------------------------------------------------------------------------------------------- //
