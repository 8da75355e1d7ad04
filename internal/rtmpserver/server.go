// Package rtmpserver runs the TCP/TLS accept loops, per-IP concurrency
// limiting, keepalive ping sweep, and periodic session-registry sweep
// around internal/rtmp/session.
package rtmpserver

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"
	"github.com/netdata/go.d.plugin/pkg/iprange"
	"github.com/pkg/errors"

	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
	"github.com/liveflow/rtmp-server/internal/rtmp/session"
)

const (
	defaultPingInterval  = 60 * time.Second
	defaultSweepInterval = 5 * time.Second
	defaultIPLimit       = 4
)

// Config configures one Server instance's listeners and tunables.
type Config struct {
	BindAddress string
	Port        int

	TLSPort     int
	TLSCertFile string
	TLSKeyFile  string

	// IPConcurrencyLimit caps simultaneous connections from one source IP;
	// IPWhitelist (CIDR ranges, or "*" for all) exempts matching IPs.
	IPConcurrencyLimit int
	IPWhitelist         []string

	PingInterval  time.Duration
	SweepInterval time.Duration

	SessionOptions session.Options
}

func (c Config) withDefaults() Config {
	if c.IPConcurrencyLimit <= 0 {
		c.IPConcurrencyLimit = defaultIPLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Server accepts RTMP (and optionally RTMPS) connections, dispatching each
// to its own session.Session, and drives the periodic ping and registry
// sweep loops until Close is called.
type Server struct {
	cfg      Config
	registry *live.Registry

	listener    net.Listener
	tlsListener net.Listener

	mu            sync.Mutex
	sessions      map[uint64]*session.Session
	nextSessionID uint64

	ipMu      sync.Mutex
	ipCount   map[string]uint32
	whitelist []iprange.Range
	allowAll  bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Server and binds its listeners. The plain TCP listener is
// created unless cfg.Port is negative (the sentinel for "no plain
// listener"; zero still means "bind an OS-assigned ephemeral port", used
// by tests); the TLS listener is created only when TLSCertFile and
// TLSKeyFile are set. A config may set either, or both, so a single
// service entry can be TLS-only (a bare RTMPS listener).
func New(registry *live.Registry, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:           cfg,
		registry:      registry,
		sessions:      make(map[uint64]*session.Session),
		ipCount:       make(map[string]uint32),
		nextSessionID: 1,
		stopCh:        make(chan struct{}),
	}

	for _, entry := range cfg.IPWhitelist {
		if entry == "*" {
			s.allowAll = true
			continue
		}
		r, err := iprange.ParseRange(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "rtmpserver: invalid IP whitelist entry %q", entry)
		}
		s.whitelist = append(s.whitelist, r)
	}

	if cfg.Port >= 0 {
		addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "rtmpserver: listen")
		}
		s.listener = l
		logging.LogInfo("[RTMP] Listening on " + addr)
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		loader, err := certloader.NewTlsCertificateLoader(certloader.TlsCertificateLoaderConfig{
			CertificatePath: cfg.TLSCertFile,
			KeyPath:         cfg.TLSKeyFile,
		})
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return nil, errors.Wrap(err, "rtmpserver: load TLS certificate")
		}
		tlsAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.TLSPort))
		tlsListener, err := tls.Listen("tcp", tlsAddr, &tls.Config{GetCertificate: loader.GetCertificate})
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return nil, errors.Wrap(err, "rtmpserver: listen TLS")
		}
		s.tlsListener = tlsListener
		logging.LogInfo("[RTMPS] Listening on " + tlsAddr)
	}

	if s.listener == nil && s.tlsListener == nil {
		return nil, errors.New("rtmpserver: config has neither a TCP port nor a TLS certificate pair")
	}

	return s, nil
}

// Start launches the accept, ping-sweep, and registry-sweep loops in
// background goroutines and returns immediately.
func (s *Server) Start() {
	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.listener)
	}

	if s.tlsListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tlsListener)
	}

	s.wg.Add(1)
	go s.pingLoop()

	s.wg.Add(1)
	go s.sweepLoop()
}

// Wait blocks until every accept/sweep loop has returned, i.e. after Close.
func (s *Server) Wait() { s.wg.Wait() }

// Close stops accepting new connections and shuts down the background
// loops. In-flight sessions are left to close on their own (read deadline
// or peer disconnect).
func (s *Server) Close() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		c, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				logging.LogError(errors.Wrap(err, "rtmpserver: accept"))
				return
			}
		}

		id := s.nextID()
		ip := remoteIP(c)

		if !s.isExempted(ip) {
			if !s.addIP(ip) {
				c.Close()
				logging.LogRequest(id, ip, "Connection rejected: too many concurrent connections")
				continue
			}
		}

		logging.LogDebugSession(id, ip, "Connection accepted")
		go s.handleConnection(id, ip, c)
	}
}

func (s *Server) nextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSessionID
	s.nextSessionID++
	return id
}

func remoteIP(c net.Conn) string {
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

func (s *Server) isExempted(ipStr string) bool {
	if s.allowAll {
		return true
	}
	if len(s.whitelist) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, r := range s.whitelist {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) addIP(ip string) bool {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	c := s.ipCount[ip]
	if c >= uint32(s.cfg.IPConcurrencyLimit) {
		return false
	}
	s.ipCount[ip] = c + 1
	return true
}

func (s *Server) removeIP(ip string) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	c := s.ipCount[ip]
	if c <= 1 {
		delete(s.ipCount, ip)
	} else {
		s.ipCount[ip] = c - 1
	}
}

func (s *Server) addSession(id uint64, sess *session.Session) {
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) handleConnection(id uint64, ip string, c net.Conn) {
	sess := session.New(c, id, s.registry, s.cfg.SessionOptions)
	s.addSession(id, sess)

	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case error:
				logging.LogRequest(id, ip, "Error: "+x.Error())
			case string:
				logging.LogRequest(id, ip, "Error: "+x)
			default:
				logging.LogRequest(id, ip, "Connection crashed")
			}
		}
		s.removeSession(id)
		s.removeIP(ip)
		logging.LogDebugSession(id, ip, "Connection closed")
	}()

	sess.Run()
}

// pingLoop sends a protocol keepalive ping to every active session on a
// fixed interval. A failed ping write is not acted on here; a dead
// connection ends when its session's read fails or its read deadline
// expires.
func (s *Server) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.mu.Lock()
			sessions := make([]*session.Session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				sessions = append(sessions, sess)
			}
			s.mu.Unlock()

			for _, sess := range sessions {
				sess.Ping()
			}
		}
	}
}

// sweepLoop periodically removes timed-out sessions from the live
// registry.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if n := s.registry.Sweep(); n > 0 {
				logging.LogDebug("swept " + strconv.Itoa(n) + " timed-out session(s)")
			}
		}
	}
}
