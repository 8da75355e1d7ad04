package control

import (
	"encoding/json"
	"net/http"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/liveflow/rtmp-server/internal/live"
	"github.com/liveflow/rtmp-server/internal/logging"
)

const (
	readDeadline = 60 * time.Second
	authHeader   = "x-control-auth-token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config configures a Server's authentication and network binding.
type Config struct {
	Addr   string
	Secret string // HMAC secret validating the x-control-auth-token header; empty disables auth.
}

// Server is the admin WebSocket endpoint: authenticated connections may
// list sessions or issue kill-session/close-stream commands, the same
// vocabulary internal/redisctl exposes over Redis pub/sub.
type Server struct {
	cfg      Config
	registry *live.Registry
	httpSrv  *http.Server
}

func New(registry *live.Registry, cfg Config) *Server {
	s := &Server{cfg: cfg, registry: registry}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/control/rtmp", s.handleWS)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving the admin WebSocket endpoint until the
// listener fails or Close is called.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Close() error {
	return s.httpSrv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogError(err)
		return
	}
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg := messages.ParseRPCMessage(string(raw))
		reply := s.dispatch(&msg)
		if reply != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(reply.Serialize()))
		}
	}
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return true
	}

	tokenStr := r.Header.Get(authHeader)
	if tokenStr == "" {
		return false
	}

	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Secret), nil
	})
	return err == nil && token.Valid
}

func (s *Server) dispatch(msg *messages.RPCMessage) *messages.RPCMessage {
	switch msg.Method {
	case "LIST-SESSIONS":
		body, _ := json.Marshal(ListSessions(s.registry))
		return &messages.RPCMessage{
			Method: "SESSIONS",
			Params: map[string]string{"Sessions": string(body)},
		}
	case "KILL-SESSION":
		ok := KillSession(s.registry, msg.GetParam("Domain"), msg.GetParam("App"), msg.GetParam("Stream-Channel"))
		return ackMessage(ok)
	case "CLOSE-STREAM":
		ok := CloseStream(s.registry, msg.GetParam("Domain"), msg.GetParam("App"), msg.GetParam("Stream-Channel"), msg.GetParam("Stream-Id"))
		return ackMessage(ok)
	case "HEARTBEAT":
		return nil
	default:
		return &messages.RPCMessage{
			Method: "ERROR",
			Params: map[string]string{"Error-Code": "UNKNOWN-METHOD", "Error-Message": msg.Method},
		}
	}
}

func ackMessage(ok bool) *messages.RPCMessage {
	if ok {
		return &messages.RPCMessage{Method: "OK"}
	}
	return &messages.RPCMessage{Method: "ERROR", Params: map[string]string{"Error-Code": "NOT-FOUND"}}
}
