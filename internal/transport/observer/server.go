package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"turtlecraft.ai/internal/observerproto"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/transport/httpapi"
)

// Server streams dispatch events to websocket observers. It is a
// dispatch.Sink; slow observers lose events instead of stalling polls.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session

	dropped atomic.Uint64
}

type session struct {
	id  string
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func (s *session) subscription() observerproto.SubscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *session) setSubscription(sub observerproto.SubscribeMsg) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
	}
}

func (s *Server) Publish(ev dispatch.Event) {
	var payload []byte
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if !sess.subscription().Matches(ev) {
			continue
		}
		if payload == nil {
			b, err := json.Marshal(observerproto.DispatchMsg{
				Type:            "DISPATCH",
				ProtocolVersion: observerproto.Version,
				Event:           ev,
			})
			if err != nil {
				return
			}
			payload = b
		}
		select {
		case sess.out <- payload:
		default:
			s.dropped.Add(1)
		}
	}
}

// Observers is the number of connected sessions.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !httpapi.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		sub, ok, err := readSubscribe(conn)
		if err != nil || !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, 256),
			sub: sub,
		}
		welcome, _ := json.Marshal(observerproto.WelcomeMsg{
			Type:            "WELCOME",
			ProtocolVersion: observerproto.Version,
			SessionID:       sess.id,
		})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
			return
		}

		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		if s.log != nil {
			s.log.Printf("observer %s connected from %s", sess.id, r.RemoteAddr)
		}
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			if s.log != nil {
				s.log.Printf("observer %s disconnected", sess.id)
			}
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			sub, ok, err := readSubscribe(conn)
			if err != nil {
				break
			}
			if ok {
				sess.setSubscription(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// readSubscribe reads one message. ok is false for anything that is not a
// SUBSCRIBE of the current version; err is only set when the read failed.
func readSubscribe(conn *websocket.Conn) (observerproto.SubscribeMsg, bool, error) {
	var sub observerproto.SubscribeMsg
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, false, err
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false, nil
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false, nil
	}
	return sub, true, nil
}
