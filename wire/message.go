package wire

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

/*
RequestType is an enumeration of the request kinds spoken on a connection.
It defines every operation a peer can ask of a tracker or of another peer.

Values:
  - Register: Creates a new user in the tracker's credential store.
  - Login: Opens the two-step session handshake with the tracker.
  - Logout: Destroys a live session.
  - Search: Asks the tracker which peers hold a filename.
  - Acknowledge: Reports a completed download to the tracker.
  - SimpleDownload: Asks a peer for the full contents of a shared file.
  - CheckAlive: Probes a remote endpoint for liveness.
*/
type RequestType int

const (
	Register RequestType = iota
	Login
	Logout
	Search
	Acknowledge
	SimpleDownload
	CheckAlive
)

// --------------------------------------------------------------------------------------------- //

/*
ReplyStatus is the outcome carried by every reply.

Values:
  - Success: The operation completed; a payload may follow.
  - Failure: The operation did not complete; no payload follows.
*/
type ReplyStatus int

const (
	Success ReplyStatus = iota
	Failure
)

// --------------------------------------------------------------------------------------------- //

// Request is a typed message sent by the initiating side of a connection.
type Request struct {
	Type    RequestType
	Payload []byte
}

// Reply is the answer to a Request. A Failure reply never carries a payload.
type Reply struct {
	Status  ReplyStatus
	Payload []byte
}

// --------------------------------------------------------------------------------------------- //

// Credentials identifies a user. A missing password is carried as the empty string.
type Credentials struct {
	Username string `bencode:"username"`
	Password string `bencode:"password"`
}

// FileDescription names one shared file. Identity is the name; the size is informational.
type FileDescription struct {
	Name string `bencode:"name"`
	Size int64  `bencode:"size"`
}

// Announcement is the follow-up message of the login handshake: the address the
// peer's own server listens on plus the current contents of its shared directory.
type Announcement struct {
	Host  string            `bencode:"host"`
	Port  int               `bencode:"port"`
	Files []FileDescription `bencode:"files"`
}

// SessionRef carries a session id on its own: the step-1 login reply and the
// logout request.
type SessionRef struct {
	SessionID int64 `bencode:"session_id"`
}

// SearchRequest asks which peers hold Filename.
type SearchRequest struct {
	SessionID int64  `bencode:"session_id"`
	Filename  string `bencode:"filename"`
}

// Provider is one entry of a search result: a username and the endpoint its
// file server listens on.
type Provider struct {
	Username string `bencode:"username"`
	Host     string `bencode:"host"`
	Port     int    `bencode:"port"`
}

// SearchResult is the payload of a successful search reply.
type SearchResult struct {
	Providers []Provider `bencode:"providers"`
}

// AckRequest reports that the requesting session downloaded Filename from Username.
type AckRequest struct {
	SessionID int64  `bencode:"session_id"`
	Username  string `bencode:"username"`
	Filename  string `bencode:"filename"`
}

// DownloadRequest asks a peer's file server for the contents of Filename.
type DownloadRequest struct {
	Filename string `bencode:"filename"`
}

// FileData is the payload of a successful download reply: the raw file bytes.
type FileData struct {
	Data string `bencode:"data"`
}

// --------------------------------------------------------------------------------------------- //

/*
NewRequest builds a Request of the given type, encoding the payload value.
A nil payload produces a request with an empty payload.

Parameters:
  - requestType: The kind of request to build.
  - payload: Payload value to encode, or nil for payload-free requests.

Returns:
  - *Request: The assembled request.
  - error: Non-nil if payload encoding fails.
*/
func NewRequest(requestType RequestType, payload interface{}) (*Request, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Request{Type: requestType, Payload: encoded}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
NewReply builds a Reply. A Failure reply discards any payload so that the
failure discipline of the protocol cannot be violated by a handler.

Parameters:
  - status: Success or Failure.
  - payload: Payload value to encode on Success, or nil.

Returns:
  - *Reply: The assembled reply.
  - error: Non-nil if payload encoding fails.
*/
func NewReply(status ReplyStatus, payload interface{}) (*Reply, error) {
	if status == Failure {
		return &Reply{Status: Failure}, nil
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Reply{Status: Success, Payload: encoded}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
DecodePayload decodes a request or reply payload into the given value.

Parameters:
  - payload: Raw payload bytes from a Request or Reply.
  - value: Pointer to the payload struct to populate.

Returns:
  - error: Non-nil if the payload is empty or does not decode into value.
*/
func DecodePayload(payload []byte, value interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("Empty payload")
	}

	err := bencode.Unmarshal(bytes.NewReader(payload), value)
	if err != nil {
		return fmt.Errorf("Decoding payload error: %v", err)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

func encodePayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	err := bencode.Marshal(&buf, payload)
	if err != nil {
		return nil, fmt.Errorf("Encoding payload error: %v", err)
	}

	return buf.Bytes(), nil
}

// --------------------------------------------------------------------------------------------- //
