package tracker

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/userdb"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
handler dispatches tracker requests. One handler serves every connection; it
holds non-owning references to the registry and the credential store, each
protected by its own mutex.

Fields:
  - registry: The session registry.
  - store: The credential store.
  - cfg: Startup knobs.
*/
type handler struct {
	registry *Registry
	store    *userdb.Store
	cfg      *config.Config
}

// --------------------------------------------------------------------------------------------- //

/*
ServeConn handles one already-read request. Every known type answers once on
the same connection; Login additionally reads the follow-up announcement before
its second reply. A payload that does not decode, or a login follow-up that
never arrives, ends the request without a reply. Unknown types are ignored
without a reply, leaving the client to its timeout.

Parameters:
  - conn: The worker's connection.
  - req: The request the worker read.
*/
func (h *handler) ServeConn(conn net.Conn, req *wire.Request) {
	switch req.Type {
	case wire.Register:
		h.handleRegister(conn, req)

	case wire.Login:
		h.handleLogin(conn, req)

	case wire.Search:
		h.handleSearch(conn, req)

	case wire.Acknowledge:
		h.handleAcknowledge(conn, req)

	case wire.Logout:
		h.handleLogout(conn, req)

	default:
		log.Warnf("Ignoring request type %d from %s", req.Type, conn.RemoteAddr())
	}
}

// --------------------------------------------------------------------------------------------- //

func (h *handler) handleRegister(conn net.Conn, req *wire.Request) {
	var creds wire.Credentials
	if err := wire.DecodePayload(req.Payload, &creds); err != nil {
		log.Warnf("Register from %s: %v", conn.RemoteAddr(), err)
		return
	}

	if _, exists := h.store.GetUser(creds.Username); exists {
		log.Infof("Register %q: username taken", creds.Username)
		h.reply(conn, wire.Failure, nil)
		return
	}

	if !h.store.SetUser(creds.Username, hashPassword(creds.Password)) {
		h.reply(conn, wire.Failure, nil)
		return
	}

	log.Infof("Registered user %q", creds.Username)
	h.reply(conn, wire.Success, nil)
}

// --------------------------------------------------------------------------------------------- //

/*
handleLogin runs the two-step handshake on a single connection: credentials in,
session id out, announcement in, final status out. The id stays locked for the
whole window between the two steps and is released on every exit path,
including an abandoned handshake.

Parameters:
  - conn: The login connection.
  - req: The step-1 request carrying the credentials.
*/
func (h *handler) handleLogin(conn net.Conn, req *wire.Request) {
	var creds wire.Credentials
	if err := wire.DecodePayload(req.Payload, &creds); err != nil {
		log.Warnf("Login from %s: %v", conn.RemoteAddr(), err)
		return
	}

	user, exists := h.store.GetUser(creds.Username)
	if !exists || !strings.EqualFold(user.PasswordHex, hashPassword(creds.Password)) {
		log.Infof("Login %q: bad credentials", creds.Username)
		h.reply(conn, wire.Failure, nil)
		return
	}

	id, found := h.registry.SessionIDFor(creds.Username)
	if !found {
		id, found = h.registry.GenerateID()
		if !found {
			log.Warnf("Login %q: no free session id", creds.Username)
			h.reply(conn, wire.Failure, nil)
			return
		}
	}

	if !h.registry.LockID(id) {
		log.Infof("Login %q: session id %d already live", creds.Username, id)
		h.reply(conn, wire.Failure, nil)
		return
	}
	defer h.registry.UnlockID(id)

	if !h.reply(conn, wire.Success, wire.SessionRef{SessionID: int64(id)}) {
		return
	}

	conn.SetReadDeadline(time.Now().Add(h.cfg.IOTimeout))
	followUp, err := wire.ReadRequest(conn)
	if err != nil || followUp.Type != wire.Login {
		log.Infof("Login %q: handshake abandoned: %v", creds.Username, err)
		return
	}

	var ann wire.Announcement
	if err := wire.DecodePayload(followUp.Payload, &ann); err != nil {
		log.Warnf("Login %q: bad announcement: %v", creds.Username, err)
		return
	}

	host := ann.Host
	if !h.cfg.PeerRemoteHost {
		host = remoteHost(conn)
	}

	h.registry.UnlockID(id)

	if !h.registry.AddSession(id, creds.Username, host, ann.Port, ann.Files) {
		log.Infof("Login %q: user already has a live session", creds.Username)
		h.reply(conn, wire.Failure, nil)
		return
	}

	log.Infof("Login %q: session %d at %s:%d sharing %d files", creds.Username, id, host, ann.Port, len(ann.Files))
	h.reply(conn, wire.Success, nil)
}

// --------------------------------------------------------------------------------------------- //

func (h *handler) handleSearch(conn net.Conn, req *wire.Request) {
	var search wire.SearchRequest
	if err := wire.DecodePayload(req.Payload, &search); err != nil {
		log.Warnf("Search from %s: %v", conn.RemoteAddr(), err)
		return
	}

	contact, valid := h.validateSession(conn, int32(search.SessionID))
	if !valid {
		h.reply(conn, wire.Failure, nil)
		return
	}

	h.applyPenalty(contact.Username)

	providers := h.registry.Search(search.Filename)
	log.Infof("Search %q by %q: %d providers", search.Filename, contact.Username, len(providers))

	h.reply(conn, wire.Success, wire.SearchResult{Providers: providers})
}

// --------------------------------------------------------------------------------------------- //

func (h *handler) handleAcknowledge(conn net.Conn, req *wire.Request) {
	var ack wire.AckRequest
	if err := wire.DecodePayload(req.Payload, &ack); err != nil {
		log.Warnf("Acknowledge from %s: %v", conn.RemoteAddr(), err)
		return
	}

	_, valid := h.validateSession(conn, int32(ack.SessionID))
	if !valid {
		h.reply(conn, wire.Failure, nil)
		return
	}

	if !h.store.AddDownload(ack.Username) {
		log.Infof("Acknowledge for unknown provider %q", ack.Username)
		h.reply(conn, wire.Failure, nil)
		return
	}

	// The downloader now holds the file; post it so later searches find them.
	h.registry.AddFile(int32(ack.SessionID), wire.FileDescription{Name: ack.Filename})

	log.Infof("Acknowledged download of %q from %q", ack.Filename, ack.Username)
	h.reply(conn, wire.Success, nil)
}

// --------------------------------------------------------------------------------------------- //

func (h *handler) handleLogout(conn net.Conn, req *wire.Request) {
	var ref wire.SessionRef
	if err := wire.DecodePayload(req.Payload, &ref); err != nil {
		log.Warnf("Logout from %s: %v", conn.RemoteAddr(), err)
		return
	}

	contact, valid := h.validateSession(conn, int32(ref.SessionID))
	if !valid {
		h.reply(conn, wire.Failure, nil)
		return
	}

	if !h.registry.RemoveSession(int32(ref.SessionID)) {
		h.reply(conn, wire.Failure, nil)
		return
	}

	log.Infof("Logout %q: session %d destroyed", contact.Username, int32(ref.SessionID))
	h.reply(conn, wire.Success, nil)
}

// --------------------------------------------------------------------------------------------- //

/*
validateSession checks that a request carries a live session id and, under the
strict host policy, that the request comes from the host the session was
registered at.

Parameters:
  - conn: The requesting connection.
  - id: Claimed session id.

Returns:
  - wire.Provider: Copy of the session's contact data, valid only on success.
  - bool: Whether the request may proceed.
*/
func (h *handler) validateSession(conn net.Conn, id int32) (wire.Provider, bool) {
	contact, live := h.registry.Contact(id)
	if !live {
		return wire.Provider{}, false
	}

	if !h.cfg.PeerRemoteHost && contact.Host != remoteHost(conn) {
		log.Warnf("Session %d: request from %s but registered at %s", id, remoteHost(conn), contact.Host)
		return wire.Provider{}, false
	}

	return contact, true
}

// --------------------------------------------------------------------------------------------- //

// applyPenalty sleeps briefly when the requesting user has no recorded
// downloads. The sleep stays well under the protocol timeout.
func (h *handler) applyPenalty(username string) {
	if h.cfg.PeerPenalty <= 0 {
		return
	}

	user, exists := h.store.GetUser(username)
	if exists && user.DownloadCount == 0 {
		time.Sleep(h.cfg.PeerPenalty)
	}
}

// --------------------------------------------------------------------------------------------- //

// reply encodes and writes one reply, reporting whether the write succeeded.
func (h *handler) reply(conn net.Conn, status wire.ReplyStatus, payload interface{}) bool {
	rep, err := wire.NewReply(status, payload)
	if err != nil {
		log.Errorf("Building reply: %v", err)
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(h.cfg.IOTimeout))

	if err := wire.WriteReply(conn, rep); err != nil {
		log.Debugf("Writing reply to %s: %v", conn.RemoteAddr(), err)
		return false
	}

	return true
}

// --------------------------------------------------------------------------------------------- //

// hashPassword returns the lowercase hex SHA-1 digest stored for a password.
// A missing password hashes as the empty string.
func hashPassword(password string) string {
	sum := sha1.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// --------------------------------------------------------------------------------------------- //

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}

	return host
}

// --------------------------------------------------------------------------------------------- //
