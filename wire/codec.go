package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

// MaxMessageSize bounds a single framed message. Control messages are tiny but
// download replies carry whole files on the same framing.
const MaxMessageSize = 64 << 20

// ErrFailure is returned by client helpers when the remote side answered with a
// well-formed Failure reply, so callers can tell a protocol refusal apart from a
// transport or decoding error.
var ErrFailure = errors.New("wire: failure reply")

// --------------------------------------------------------------------------------------------- //

type requestEnvelope struct {
	Type    int    `bencode:"type"`
	Payload string `bencode:"payload"`
}

type replyEnvelope struct {
	Status  int    `bencode:"status"`
	Payload string `bencode:"payload"`
}

// --------------------------------------------------------------------------------------------- //

/*
WriteRequest frames and writes a request onto a connection.
The message is serialized into a single buffer and written with one call, so a
message is never interleaved with another writer's bytes.

Parameters:
  - w: Destination stream, usually a net.Conn.
  - req: Request to send.

Returns:
  - error: Non-nil if encoding or the write fails.
*/
func WriteRequest(w io.Writer, req *Request) error {
	env := requestEnvelope{
		Type:    int(req.Type),
		Payload: string(req.Payload),
	}

	return writeFrame(w, env)
}

// --------------------------------------------------------------------------------------------- //

/*
ReadRequest reads one framed request from a connection.

Parameters:
  - r: Source stream, usually a net.Conn.

Returns:
  - *Request: The decoded request.
  - error: Non-nil if the frame is truncated, oversized, or not a request envelope.
*/
func ReadRequest(r io.Reader) (*Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var env requestEnvelope
	err = bencode.Unmarshal(bytes.NewReader(body), &env)
	if err != nil {
		return nil, fmt.Errorf("Decoding request envelope error: %v", err)
	}

	req := &Request{Type: RequestType(env.Type)}
	if env.Payload != "" {
		req.Payload = []byte(env.Payload)
	}

	return req, nil
}

// --------------------------------------------------------------------------------------------- //

/*
WriteReply frames and writes a reply onto a connection.

Parameters:
  - w: Destination stream, usually a net.Conn.
  - rep: Reply to send.

Returns:
  - error: Non-nil if encoding or the write fails.
*/
func WriteReply(w io.Writer, rep *Reply) error {
	env := replyEnvelope{
		Status:  int(rep.Status),
		Payload: string(rep.Payload),
	}

	return writeFrame(w, env)
}

// --------------------------------------------------------------------------------------------- //

/*
ReadReply reads one framed reply from a connection.

Parameters:
  - r: Source stream, usually a net.Conn.

Returns:
  - *Reply: The decoded reply.
  - error: Non-nil if the frame is truncated, oversized, or not a reply envelope.
*/
func ReadReply(r io.Reader) (*Reply, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var env replyEnvelope
	err = bencode.Unmarshal(bytes.NewReader(body), &env)
	if err != nil {
		return nil, fmt.Errorf("Decoding reply envelope error: %v", err)
	}

	return &Reply{Status: ReplyStatus(env.Status), Payload: []byte(env.Payload)}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Call performs one single-shot request/reply exchange against a remote endpoint.
It dials a fresh connection, sends the request, waits for the reply, and closes
the connection. A Failure reply is surfaced as ErrFailure.

Parameters:
  - addr: Remote endpoint in host:port form.
  - connectTimeout: Bound on establishing the connection.
  - ioTimeout: Bound on the write and on waiting for the reply.
  - req: Request to send.

Returns:
  - *Reply: The Success reply.
  - error: ErrFailure on a Failure reply, otherwise the transport or codec error.
*/
func Call(addr string, connectTimeout, ioTimeout time.Duration, req *Request) (*Reply, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("Connecting to %s failed: %v", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	err = WriteRequest(conn, req)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	rep, err := ReadReply(conn)
	if err != nil {
		return nil, err
	}

	if rep.Status != Success {
		return nil, ErrFailure
	}

	return rep, nil
}

// --------------------------------------------------------------------------------------------- //

func writeFrame(w io.Writer, env interface{}) error {
	var body bytes.Buffer
	err := bencode.Marshal(&body, env)
	if err != nil {
		return fmt.Errorf("Encoding envelope error: %v", err)
	}

	if body.Len() > MaxMessageSize {
		return fmt.Errorf("Message too large: %d bytes", body.Len())
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(body.Len()))
	buf.Write(body.Bytes())

	_, err = w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("Writing message error: %v", err)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	err := binary.Read(r, binary.BigEndian, &length)
	if err != nil {
		return nil, fmt.Errorf("Reading message length: %v", err)
	}

	if length == 0 {
		return nil, fmt.Errorf("Empty message frame")
	}

	if length > MaxMessageSize {
		return nil, fmt.Errorf("Message too large: %d bytes", length)
	}

	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	if err != nil {
		return nil, fmt.Errorf("Reading message body: %v", err)
	}

	return body, nil
}

// --------------------------------------------------------------------------------------------- //
