package ws

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

// bufConn is a net.Conn that records everything written to it.
type bufConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *bufConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *bufConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(p)
}

func (c *bufConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *bufConn) LocalAddr() net.Addr { return &net.TCPAddr{} }
func (c *bufConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }
func (c *bufConn) SetDeadline(time.Time) error { return nil }
func (c *bufConn) SetReadDeadline(time.Time) error { return nil }
func (c *bufConn) SetWriteDeadline(time.Time) error { return nil }

// frames decodes every text frame written so far.
func (c *bufConn) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	r := bytes.NewReader(append([]byte(nil), c.buf.Bytes()...))
	c.mu.Unlock()

	var out []map[string]interface{}
	for {
		f, err := ws.ReadFrame(r)
		if err != nil {
			return out
		}
		if f.Header.OpCode != ws.OpText {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			t.Fatalf("frame is not JSON: %q", f.Payload)
		}
		out = append(out, m)
	}
}

func newTestConnection(userID string) (*Connection, *bufConn) {
	bc := &bufConn{}
	return NewConnection("conn-"+userID, userID, bc, 0), bc
}

// opcodes lists the opcode of every frame written so far.
func (c *bufConn) opcodes() []ws.OpCode {
	c.mu.Lock()
	r := bytes.NewReader(append([]byte(nil), c.buf.Bytes()...))
	c.mu.Unlock()

	var out []ws.OpCode
	for {
		f, err := ws.ReadFrame(r)
		if err != nil {
			return out
		}
		out = append(out, f.Header.OpCode)
	}
}
