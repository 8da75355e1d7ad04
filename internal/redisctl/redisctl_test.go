package redisctl

import (
	"net"
	"testing"

	"github.com/liveflow/rtmp-server/internal/live"
)

type fakeConn struct {
	closed bool
}

func (f *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }
func (f *fakeConn) Close() error         { f.closed = true; return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "10.0.0.1:1935" }

func publishingRegistry(t *testing.T) (*live.Registry, *fakeConn) {
	t.Helper()
	registry := live.NewRegistry(nil)
	sess := registry.GetOrCreate("default", "live", "abc")
	conn := &fakeConn{}
	user := live.NewUser(conn, sess.Stream(), sess)
	user.SetUserType(live.UserTypePublishRTMP)
	user.SetPublishID("stream-1")
	sess.SetPublisher(user)
	return registry, conn
}

func TestHandleKillSessionCommand(t *testing.T) {
	registry, conn := publishingRegistry(t)
	s := &Subscriber{registry: registry}

	s.handle("kill-session>default|live|abc")
	if !conn.closed {
		t.Fatalf("kill-session must close the publisher connection")
	}
}

func TestHandleCloseStreamRequiresMatchingID(t *testing.T) {
	registry, conn := publishingRegistry(t)
	s := &Subscriber{registry: registry}

	s.handle("close-stream>default|live|abc|wrong")
	if conn.closed {
		t.Fatalf("mismatched stream id must not close the connection")
	}

	s.handle("close-stream>default|live|abc|stream-1")
	if !conn.closed {
		t.Fatalf("matching stream id must close the connection")
	}
}

func TestHandleIgnoresMalformedAndUnknownCommands(t *testing.T) {
	registry, conn := publishingRegistry(t)
	s := &Subscriber{registry: registry}

	s.handle("no separator here")
	s.handle("unknown-command>a|b|c")
	s.handle("kill-session>too-few")

	if conn.closed {
		t.Fatalf("no command above should have closed the connection")
	}
}
