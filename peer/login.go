package peer

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/sharedir"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
loginClient runs the client half of the two-step login handshake on one
connection. It rendezvouses with the peer's command thread over two one-shot
channels: the session id travels out on idCh as soon as step 1 succeeds, and
the announcement is not sent until the command thread confirms the bound server
port on readyCh. Closing readyCh without a value aborts the handshake, so
step 2 fails on the tracker side and the locked id is released there.

Parameters:
  - trackerAddr, sharedDir: Captured peer state; the goroutine never touches
    the peer's own fields.
  - creds: Login credentials.
  - idCh: Carries the step-1 session id; closed without a value on failure.
  - readyCh: Carries the server's bound port once it is up.
  - resultCh: Carries the final outcome of the handshake.
*/
func (p *Peer) loginClient(trackerAddr, sharedDir string, creds wire.Credentials, idCh chan<- int32, readyCh <-chan int, resultCh chan<- bool) {
	ok := false
	defer func() { resultCh <- ok }()

	conn, err := net.DialTimeout("tcp", trackerAddr, p.cfg.ConnectTimeout)
	if err != nil {
		log.Infof("Login: connecting to tracker failed: %v", err)
		close(idCh)
		return
	}
	defer conn.Close()

	req, err := wire.NewRequest(wire.Login, creds)
	if err != nil {
		close(idCh)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(p.cfg.IOTimeout))
	if err := wire.WriteRequest(conn, req); err != nil {
		log.Infof("Login: sending credentials failed: %v", err)
		close(idCh)
		return
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.IOTimeout))
	rep, err := wire.ReadReply(conn)
	if err != nil || rep.Status != wire.Success {
		log.Infof("Login: step 1 refused")
		close(idCh)
		return
	}

	var ref wire.SessionRef
	if err := wire.DecodePayload(rep.Payload, &ref); err != nil {
		log.Warnf("Login: bad step-1 reply: %v", err)
		close(idCh)
		return
	}

	idCh <- int32(ref.SessionID)

	port, up := <-readyCh
	if !up {
		log.Infof("Login: server never came up, abandoning handshake")
		return
	}

	files, err := sharedir.Scan(sharedDir)
	if err != nil {
		log.Warnf("Login: %v", err)
		return
	}

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return
	}

	announcement := wire.Announcement{Host: host, Port: port, Files: files}

	followUp, err := wire.NewRequest(wire.Login, announcement)
	if err != nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(p.cfg.IOTimeout))
	if err := wire.WriteRequest(conn, followUp); err != nil {
		log.Infof("Login: sending announcement failed: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.IOTimeout))
	final, err := wire.ReadReply(conn)
	if err != nil {
		log.Infof("Login: reading final reply failed: %v", err)
		return
	}

	ok = final.Status == wire.Success
}

// --------------------------------------------------------------------------------------------- //
