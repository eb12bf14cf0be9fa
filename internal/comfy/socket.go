package comfy

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// eventBufferSize is the subscriber channel depth. Events beyond it are
// dropped rather than blocking the read loop.
const eventBufferSize = 16

// Socket owns the push-channel connection: at most one live websocket per
// resolved (endpoint, credential) pair. Reconnection is driven only by
// configuration changes, never by a retry timer, so a dropped channel is not
// silently re-established with stale credentials.
//
// Consumers hold the subscriber channel returned by Events, never the
// connection itself; Configure replaces the connection atomically from their
// point of view.
type Socket struct {
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan Event
}

// NewSocket returns a disconnected socket. Call Configure to establish the
// push channel.
func NewSocket(log zerolog.Logger) *Socket {
	return &Socket{
		log:    log.With().Str("component", "comfy_socket").Logger(),
		dialer: websocket.DefaultDialer,
		events: make(chan Event, eventBufferSize),
	}
}

// Configure tears down any existing connection and dials the push channel
// for the given resolved base address. Dial failures are swallowed: the
// socket stays disconnected and the caller discovers it only through the
// absence of events. The subscriber channel survives reconfiguration.
func (s *Socket) Configure(base, clientID, token string) {
	pushURL := PushURL(base, clientID, token)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	conn, resp, err := s.dialer.Dial(pushURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.log.Warn().Err(err).Str("url", base).Msg("push channel connect failed")
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Debug().Str("url", base).Msg("push channel connected")
	go s.readLoop(conn)
}

// Events returns the subscriber channel. Malformed frames never appear on
// it; a quiet channel is indistinguishable from a dead connection by design.
func (s *Socket) Events() <-chan Event {
	return s.events
}

// Connected reports whether a push connection is currently held.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close tears down the connection. The subscriber channel is left open; a
// closed socket simply goes quiet.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// readLoop parses inbound frames into typed events until the connection
// dies. Transport errors are logged and swallowed; the loop exits and leaves
// the socket disconnected.
func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			s.log.Debug().Err(err).Msg("push channel closed")
			return
		}

		event, ok := ParseEvent(data)
		if !ok {
			continue
		}

		// A stale loop must not deliver events after its connection
		// was replaced by Configure.
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}

		select {
		case s.events <- event:
		default:
			s.log.Warn().Str("type", string(event.Type)).Msg("event dropped, subscriber not keeping up")
		}
	}
}
