package ipc

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	parentFile, childFile, err := NewSocketPair("test")
	require.NoError(t, err)

	parent, err := FileChannel(parentFile)
	require.NoError(t, err)
	require.NoError(t, parentFile.Close())

	child, err := FileChannel(childFile)
	require.NoError(t, err)
	require.NoError(t, childFile.Close())

	return parent, child
}

func TestRendezvous(t *testing.T) {
	parent, child := newPair(t)
	defer parent.Close()

	type payload struct {
		ID    string   `json:"id"`
		Steps []string `json:"steps"`
	}

	go func() {
		var p payload
		assert.NoError(t, child.ReceivePayload(MsgPlan, &p))
		assert.Equal(t, "c1", p.ID)

		assert.NoError(t, child.Send(Ready(0)))
		child.Close()
	}()

	require.NoError(t, parent.SendPayload(MsgPlan, payload{ID: "c1", Steps: []string{"mounts"}}))

	msg, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, MsgReady, msg.Type)

	_, err = parent.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFailedMessage(t *testing.T) {
	parent, child := newPair(t)
	defer parent.Close()
	defer child.Close()

	go child.Send(Failed("mounts", errors.New("mount proc: permission denied")))

	msg, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, Message{
		Type:  MsgFailed,
		Step:  "mounts",
		Error: "mount proc: permission denied",
	}, msg)
}

func TestReceivePayloadUnexpectedType(t *testing.T) {
	parent, child := newPair(t)
	defer parent.Close()
	defer child.Close()

	go parent.Send(Ready(12))

	var v map[string]any
	err := child.ReceivePayload(MsgPlan, &v)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestDeadline(t *testing.T) {
	parent, child := newPair(t)
	defer parent.Close()
	defer child.Close()

	require.NoError(t, parent.SetDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := parent.Receive()

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestSendRecvFd(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "console.sock")

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan *os.File, 1)
	go func() {
		conn, err := listener.AcceptUnix()
		if !assert.NoError(t, err) {
			received <- nil
			return
		}
		defer conn.Close()

		f, err := RecvFd(conn)
		assert.NoError(t, err)
		received <- f
	}()

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	require.NoError(t, err)
	defer conn.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, SendFd(conn, "pipe", w.Fd()))
	require.NoError(t, w.Close())

	f := <-received
	require.NotNil(t, f)
	defer f.Close()
	assert.Equal(t, "pipe", f.Name())

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
