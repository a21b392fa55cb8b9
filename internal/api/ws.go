package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket live feed: agents and dispatch UIs subscribe to route/transfer
// topics and receive the same events the SSE streams carry.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSHandler handles /v1/ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Track subscriptions: client-chosen id -> topic and channel
	type sub struct {
		topic string
		ch    chan SSEEvent
	}
	subs := map[string]sub{}
	defer func() {
		for _, su := range subs {
			s.Broker.Unsubscribe(su.topic, su.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// WriteJSON is not safe for concurrent use; forwarders share this lock.
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "hello":
			_ = write(wsMessage{Type: "welcome"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.Topic == "" || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Data: json.RawMessage(`"topic and id required"`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				continue
			}
			ch := s.Broker.Subscribe(msg.Topic)
			subs[msg.ID] = sub{topic: msg.Topic, ch: ch}
			go func(id string, ch chan SSEEvent) {
				for evt := range ch {
					b, _ := json.Marshal(evt.Data)
					if err := write(wsMessage{Type: "event", ID: id, Event: evt.Type, Data: b}); err != nil {
						return
					}
				}
			}(msg.ID, ch)
			_ = write(wsMessage{Type: "subscribed", ID: msg.ID, Topic: msg.Topic})
		case "unsubscribe":
			if su, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(su.topic, su.ch)
				delete(subs, msg.ID)
			}
		}
	}
}
