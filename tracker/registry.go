package tracker

import (
	mrand "math/rand"
	"sync"

	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
Session is the tracker-side record of one logged-in peer.

Fields:
  - ID: Random non-zero session identifier.
  - Username: Owner of the session; at most one live session per username.
  - Host, Port: Endpoint of the peer's file server.
  - Files: Shared files keyed by filename; identity is the name alone.
*/
type Session struct {
	ID       int32
	Username string
	Host     string
	Port     int
	Files    map[string]wire.FileDescription
}

// --------------------------------------------------------------------------------------------- //

// maxLiveSessions is the population above which the id allocator refuses to
// draw: random allocation with ten retries is only adequate while the live set
// is sparse in the 32-bit space.
const maxLiveSessions = 1 << 30

/*
Registry is the authoritative in-memory map of live peers, with the reverse
index from filename to holding sessions, the id allocator, and the set of ids
locked mid-login. Every operation runs under the single registry mutex, so all
registry-affecting traffic is totally ordered.

Fields:
  - sessions: Live sessions by id.
  - usernames: Usernames of live sessions.
  - lockedIDs: Ids handed out at login step 1 and not yet promoted or released.
  - fileIndex: filename -> set of session ids claiming to hold it.
*/
type Registry struct {
	mu        sync.Mutex
	sessions  map[int32]*Session
	usernames map[string]struct{}
	lockedIDs map[int32]struct{}
	fileIndex map[string]map[int32]struct{}
}

// --------------------------------------------------------------------------------------------- //

// NewRegistry builds an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[int32]*Session),
		usernames: make(map[string]struct{}),
		lockedIDs: make(map[int32]struct{}),
		fileIndex: make(map[string]map[int32]struct{}),
	}
}

// --------------------------------------------------------------------------------------------- //

/*
GenerateID draws random non-zero 32-bit ids until one is absent from both the
live sessions and the locked set, giving up after ten draws. It refuses
immediately once the live population makes random allocation unreasonable.
Callers are expected to retry a later login on failure.

Returns:
  - int32: A free id.
  - bool: False if no free id was found.
*/
func (r *Registry) GenerateID() (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= maxLiveSessions {
		return 0, false
	}

	for attempt := 0; attempt < 10; attempt++ {
		id := int32(mrand.Uint32())
		if id == 0 {
			continue
		}

		if _, live := r.sessions[id]; live {
			continue
		}

		if _, locked := r.lockedIDs[id]; locked {
			continue
		}

		return id, true
	}

	return 0, false
}

// --------------------------------------------------------------------------------------------- //

/*
LockID reserves an id between login step 1 and step 2 so no concurrent login
can take it over. Locking an already locked id is a no-op; locking a live id
fails. Every lock must be paired with an UnlockID on every exit path of the
login handler.

Parameters:
  - id: The id to reserve.

Returns:
  - bool: False iff the id belongs to a live session.
*/
func (r *Registry) LockID(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.sessions[id]; live {
		return false
	}

	r.lockedIDs[id] = struct{}{}

	return true
}

// --------------------------------------------------------------------------------------------- //

// UnlockID releases a reserved id.
func (r *Registry) UnlockID(id int32) {
	r.mu.Lock()
	delete(r.lockedIDs, id)
	r.mu.Unlock()
}

// --------------------------------------------------------------------------------------------- //

/*
AddSession promotes a login to a live session and posts every announced file
into the reverse index. The id may still be in the locked set; callers
typically unlock immediately before this call.

Parameters:
  - id: Session id from login step 1.
  - username: Authenticated owner.
  - host, port: Endpoint of the peer's file server.
  - files: Announced shared files; replaces any previous list for the user.

Returns:
  - bool: False if the id or the username is already live.
*/
func (r *Registry) AddSession(id int32, username, host string, port int, files []wire.FileDescription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.sessions[id]; live {
		return false
	}

	if _, active := r.usernames[username]; active {
		return false
	}

	session := &Session{
		ID:       id,
		Username: username,
		Host:     host,
		Port:     port,
		Files:    make(map[string]wire.FileDescription, len(files)),
	}

	for _, f := range files {
		session.Files[f.Name] = f

		postings, ok := r.fileIndex[f.Name]
		if !ok {
			postings = make(map[int32]struct{})
			r.fileIndex[f.Name] = postings
		}

		postings[id] = struct{}{}
	}

	r.sessions[id] = session
	r.usernames[username] = struct{}{}

	return true
}

// --------------------------------------------------------------------------------------------- //

/*
RemoveSession destroys a live session, unposting every one of its files from
the reverse index and dropping emptied posting sets.

Parameters:
  - id: Session to destroy.

Returns:
  - bool: True iff the session existed and every expected removal succeeded;
    false means the registry was observed inconsistent.
*/
func (r *Registry) RemoveSession(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false
	}

	clean := true

	for name := range session.Files {
		postings, ok := r.fileIndex[name]
		if !ok {
			clean = false
			continue
		}

		if _, posted := postings[id]; !posted {
			clean = false
		}

		delete(postings, id)

		if len(postings) == 0 {
			delete(r.fileIndex, name)
		}
	}

	if _, active := r.usernames[session.Username]; !active {
		clean = false
	}

	delete(r.usernames, session.Username)
	delete(r.sessions, id)

	return clean
}

// --------------------------------------------------------------------------------------------- //

/*
AddFile posts one more file for a live session, used when an acknowledged
download makes the requester a holder of the file.

Parameters:
  - id: Session that now holds the file.
  - file: Description of the new holding.

Returns:
  - bool: False if the session is not live.
*/
func (r *Registry) AddFile(id int32, file wire.FileDescription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false
	}

	session.Files[file.Name] = file

	postings, ok := r.fileIndex[file.Name]
	if !ok {
		postings = make(map[int32]struct{})
		r.fileIndex[file.Name] = postings
	}

	postings[id] = struct{}{}

	return true
}

// --------------------------------------------------------------------------------------------- //

/*
Search lists the peers currently claiming to hold a filename. Every entry is a
defensive copy of the live session's contact data; an unknown filename yields
an empty list.

Parameters:
  - filename: Name to look up.

Returns:
  - []wire.Provider: One entry per holding session.
*/
func (r *Registry) Search(filename string) []wire.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	postings := r.fileIndex[filename]
	providers := make([]wire.Provider, 0, len(postings))

	for id := range postings {
		session, ok := r.sessions[id]
		if !ok {
			continue
		}

		providers = append(providers, wire.Provider{
			Username: session.Username,
			Host:     session.Host,
			Port:     session.Port,
		})
	}

	return providers
}

// --------------------------------------------------------------------------------------------- //

// SessionIDFor finds the live session id of a username. Linear scan; called
// only on the login path.
func (r *Registry) SessionIDFor(username string) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, session := range r.sessions {
		if session.Username == username {
			return id, true
		}
	}

	return 0, false
}

// --------------------------------------------------------------------------------------------- //

// IsActive reports whether a session id is live.
func (r *Registry) IsActive(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, live := r.sessions[id]

	return live
}

// --------------------------------------------------------------------------------------------- //

// IsUserActive reports whether a username has a live session.
func (r *Registry) IsUserActive(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, active := r.usernames[username]

	return active
}

// --------------------------------------------------------------------------------------------- //

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// --------------------------------------------------------------------------------------------- //

// Contact returns a defensive copy of a live session's contact data.
func (r *Registry) Contact(id int32) (wire.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, live := r.sessions[id]
	if !live {
		return wire.Provider{}, false
	}

	return wire.Provider{
		Username: session.Username,
		Host:     session.Host,
		Port:     session.Port,
	}, true
}

// --------------------------------------------------------------------------------------------- //
