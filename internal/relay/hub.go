package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/observability"
	"github.com/ent0n29/billrelay/internal/protocol"
	"github.com/ent0n29/billrelay/internal/session"
)

const (
	hubOutboundQueue = 64
	hubReadTimeout   = 120 * time.Second
	hubPingInterval  = 30 * time.Second
)

var errMismatchedSender = errors.New("announced session does not belong to this connection")

// Hub is the server side of the relay channel. It assigns a session id per
// connection and forwards events to the addressed session, dropping them when
// that session is not connected.
type Hub struct {
	sessions *session.Manager
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*hubPeer
}

type hubPeer struct {
	id  string
	out chan protocol.Frame
}

func NewHub(sessions *session.Manager, metrics *observability.Metrics, log zerolog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	return &Hub{
		sessions: sessions,
		metrics:  metrics,
		log:      log,
		peers:    make(map[string]*hubPeer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Connected reports whether a live connection owns sessionID.
func (h *Hub) Connected(sessionID string) bool {
	return h.peerFor(sessionID) != nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := h.sessions.Create()
	p := &hubPeer{id: sess.ID, out: make(chan protocol.Frame, hubOutboundQueue)}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
	h.metrics.SessionEvents.WithLabelValues("connected").Inc()
	log := h.log.With().Str("session_id", p.id).Logger()
	log.Info().Msg("relay session connected")

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, p, done)
	}()

	h.push(p, protocol.EventConnected, protocol.Connected{SessionID: p.id})

	conn.SetReadLimit(maxInboundFrameLen)
	_ = conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
	// An idle but connected client stays active as long as it answers pings.
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
		_ = h.sessions.Touch(p.id)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(hubReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil || frame.Type != protocol.FrameEmit {
			h.metrics.RelayDrops.WithLabelValues("unknown", "invalid_frame").Inc()
			continue
		}
		_ = h.sessions.Touch(p.id)
		h.metrics.RelayFrames.WithLabelValues("inbound", frame.Event).Inc()
		ack := h.handle(p, frame, log)
		h.enqueue(p, protocol.Frame{Type: protocol.FrameAck, ID: frame.ID, Payload: mustJSON(ack)})
	}

	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()
	close(done)
	<-writerDone
	_, _ = h.sessions.End(p.id)
	h.metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
	h.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	log.Info().Msg("relay session disconnected")
}

func (h *Hub) writeLoop(conn *websocket.Conn, p *hubPeer, done <-chan struct{}) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case frame := <-p.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				_ = conn.Close()
				return
			}
			if frame.Type == protocol.FrameEvent {
				h.metrics.RelayFrames.WithLabelValues("outbound", frame.Event).Inc()
			}
		}
	}
}

func (h *Hub) handle(p *hubPeer, frame protocol.Frame, log zerolog.Logger) protocol.Ack {
	msg, err := protocol.ParseClientEvent(frame.Event, frame.Payload)
	if err != nil {
		h.metrics.RelayDrops.WithLabelValues(frame.Event, "invalid_payload").Inc()
		log.Warn().Err(err).Str("event", frame.Event).Msg("relay event rejected")
		return protocol.Ack{Success: false, Message: err.Error()}
	}

	switch m := msg.(type) {
	case protocol.Register:
		if err := h.sessions.Register(p.id, m.SessionID); err != nil {
			return protocol.Ack{Success: false, Message: err.Error()}
		}
		return protocol.Ack{Success: true, Message: "registered"}
	case protocol.MobileConnected:
		if owner, ok := h.sessions.Resolve(m.MobileSessionID); !ok || owner != p.id {
			return protocol.Ack{Success: false, Message: errMismatchedSender.Error()}
		}
		h.forward(m.HomeSessionID, protocol.EventMobileConnected, m)
	case protocol.SendMessageToSession:
		h.forward(m.SessionID, protocol.EventFileMessage, protocol.FileMessage{
			Type:         m.Type,
			URL:          m.Message,
			SessionID:    m.SessionID,
			UploadedFrom: m.UploadedFrom,
			FileType:     m.FileType,
		})
	case protocol.RemoveFilePreview:
		h.forward(m.SessionID, protocol.EventRemoveFilePreview, m)
	case protocol.SessionClosed:
		target := m.SessionID
		if owner, ok := h.sessions.Resolve(m.SessionID); ok && owner == p.id {
			target = m.MobileSessionID
		}
		h.forward(target, protocol.EventSessionClosed, m)
	}
	// Accepted. Whether the addressed session was connected is not reported.
	return protocol.Ack{Success: true}
}

func (h *Hub) forward(target, event string, payload any) {
	p := h.peerFor(target)
	if p == nil {
		h.metrics.RelayDrops.WithLabelValues(event, "not_connected").Inc()
		h.log.Debug().Str("target", target).Str("event", event).Msg("relay event dropped: target not connected")
		return
	}
	h.push(p, event, payload)
}

func (h *Hub) push(p *hubPeer, event string, payload any) {
	frame, err := protocol.NewFrame(protocol.FrameEvent, "", event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("relay event encode failed")
		return
	}
	h.enqueue(p, frame)
}

func (h *Hub) enqueue(p *hubPeer, frame protocol.Frame) {
	select {
	case p.out <- frame:
	default:
		// Keep websocket writes single-threaded; drop if the outbound queue is saturated.
		h.metrics.RelayDrops.WithLabelValues(frame.Event, "queue_full").Inc()
	}
}

func (h *Hub) peerFor(sessionID string) *hubPeer {
	owner, ok := h.sessions.Resolve(sessionID)
	if !ok {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[owner]
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("relay: marshal %T: %v", v, err))
	}
	return raw
}
