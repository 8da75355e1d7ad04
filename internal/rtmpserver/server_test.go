package rtmpserver

import (
	"testing"

	"github.com/liveflow/rtmp-server/internal/live"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0 // let the OS pick a free port
	s, err := New(live.NewRegistry(nil), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestIPConcurrencyLimitRejectsBeyondLimit(t *testing.T) {
	s := newTestServer(t, Config{IPConcurrencyLimit: 2})

	if !s.addIP("1.2.3.4") {
		t.Fatalf("first connection should be allowed")
	}
	if !s.addIP("1.2.3.4") {
		t.Fatalf("second connection should be allowed")
	}
	if s.addIP("1.2.3.4") {
		t.Fatalf("third connection should be rejected at the limit")
	}

	s.removeIP("1.2.3.4")
	if !s.addIP("1.2.3.4") {
		t.Fatalf("connection should be allowed again after one slot frees up")
	}
}

func TestIPConcurrencyLimitIsPerIP(t *testing.T) {
	s := newTestServer(t, Config{IPConcurrencyLimit: 1})

	if !s.addIP("1.1.1.1") {
		t.Fatalf("first IP should be allowed")
	}
	if !s.addIP("2.2.2.2") {
		t.Fatalf("a different IP should not be affected by the first IP's count")
	}
}

func TestWhitelistExemptsMatchingCIDR(t *testing.T) {
	s := newTestServer(t, Config{IPWhitelist: []string{"10.0.0.0/8"}})

	if !s.isExempted("10.1.2.3") {
		t.Fatalf("expected 10.1.2.3 to be exempted by 10.0.0.0/8")
	}
	if s.isExempted("192.168.1.1") {
		t.Fatalf("expected 192.168.1.1 to not be exempted")
	}
}

func TestWildcardWhitelistExemptsEverything(t *testing.T) {
	s := newTestServer(t, Config{IPWhitelist: []string{"*"}})

	if !s.isExempted("8.8.8.8") {
		t.Fatalf("expected wildcard whitelist to exempt any IP")
	}
}

func TestSessionIDsAreMonotonicAndUnique(t *testing.T) {
	s := newTestServer(t, Config{})

	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 10; i++ {
		id := s.nextID()
		if seen[id] {
			t.Fatalf("duplicate session id %d", id)
		}
		if i > 0 && id <= prev {
			t.Fatalf("session id %d not greater than previous %d", id, prev)
		}
		seen[id] = true
		prev = id
	}
}
