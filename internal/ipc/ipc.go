// Package ipc implements the synchronisation channel between the runtime
// and the processes it spawns.
//
// The exchange is a short sequence of newline-delimited JSON messages over
// one end of a socket pair. The parent sends the setup payload, the child
// answers with either ready or failed{step}. The child's end is close-on-exec,
// so a successful exec is observed by the parent as EOF.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// MessageType identifies a message on the channel.
type MessageType string

const (
	// MsgPlan carries the setup payload from parent to child.
	MsgPlan MessageType = "plan"
	// MsgReady reports every setup step succeeded.
	MsgReady MessageType = "ready"
	// MsgFailed reports the setup step that failed.
	MsgFailed MessageType = "failed"
)

// Message is a single message on the channel.
type Message struct {
	Type    MessageType     `json:"type"`
	Step    string          `json:"step,omitempty"`
	Error   string          `json:"error,omitempty"`
	Pid     int             `json:"pid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ready builds a ready message. A non-zero pid reports a process started
// by the sender.
func Ready(pid int) Message {
	return Message{Type: MsgReady, Pid: pid}
}

// Failed builds a failed message for the given step.
func Failed(step string, err error) Message {
	msg := Message{Type: MsgFailed, Step: step}
	if err != nil {
		msg.Error = err.Error()
	}

	return msg
}

// ErrUnexpectedMessage is returned when a message arrives out of sequence.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Channel sends and receives messages over a connection.
type Channel struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// NewChannel wraps conn.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// FileChannel wraps a socket file. The file is duplicated, so f can be
// closed once the channel is created.
func FileChannel(f *os.File) (*Channel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("convert file to conn: %w", err)
	}

	return NewChannel(conn), nil
}

// Send writes msg.
func (c *Channel) Send(msg Message) error {
	if err := c.enc.Encode(&msg); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}

	return nil
}

// SendPayload writes a message of type t carrying v as its payload.
func (c *Channel) SendPayload(t MessageType, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return c.Send(Message{Type: t, Payload: b})
}

// Receive reads the next message. It returns io.EOF once the peer has
// closed its end.
func (c *Channel) Receive() (Message, error) {
	var msg Message

	if err := c.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return msg, io.EOF
		}
		return msg, fmt.Errorf("receive message: %w", err)
	}

	return msg, nil
}

// ReceivePayload reads a message of type t and decodes its payload into v.
func (c *Channel) ReceivePayload(t MessageType, v any) error {
	msg, err := c.Receive()
	if err != nil {
		return err
	}

	if msg.Type != t {
		return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedMessage, t, msg.Type)
	}

	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", t, err)
	}

	return nil
}

// SetDeadline bounds every subsequent read and write.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// NewSocketPair creates a connected pair of close-on-exec unix sockets.
func NewSocketPair(name string) (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(
		unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_CLOEXEC,
		0,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new socket pair: %w", err)
	}

	return os.NewFile(uintptr(fds[0]), name+"-parent"),
		os.NewFile(uintptr(fds[1]), name+"-child"),
		nil
}

// SendFd passes fd over the unix socket conn.
func SendFd(conn *net.UnixConn, name string, fd uintptr) error {
	rights := unix.UnixRights(int(fd))

	if _, _, err := conn.WriteMsgUnix([]byte(name), rights, nil); err != nil {
		return fmt.Errorf("send fd: %w", err)
	}

	return nil
}

// RecvFd receives a file passed with SendFd.
func RecvFd(conn *net.UnixConn) (*os.File, error) {
	name := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(name, oob)
	if err != nil {
		return nil, fmt.Errorf("read fd message: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected 1 control message, got %d", len(msgs))
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("parse unix rights: %w", err)
	}

	if len(fds) != 1 {
		return nil, fmt.Errorf("expected 1 fd, got %d", len(fds))
	}

	return os.NewFile(uintptr(fds[0]), string(name[:n])), nil
}
