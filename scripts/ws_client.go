//go:build ignore

// Demo WebSocket client: creates a route, subscribes to its live feed and
// starts it so an event comes through.
//
//	go run scripts/ws_client.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	body := []byte(`{"date":"2026-03-02","agentId":"agent-7","stops":[{"kind":"break","name":"Depot"}]}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/routes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var route struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		log.Fatal(err)
	}
	log.Printf("created route %s", route.ID)

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("localhost:%s", port), Path: "/v1/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.WriteJSON(wsMessage{Type: "hello"})
	_ = conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Topic: route.ID})

	go func() {
		time.Sleep(500 * time.Millisecond)
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/routes/"+route.ID+"/start", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("X-Tenant-Id", "t_demo")
		req.Header.Set("X-Role", "admin")
		if _, err := http.DefaultClient.Do(req); err != nil {
			log.Printf("start route: %v", err)
		}
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			log.Fatal("timed out waiting for route.started")
		default:
		}
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatal(err)
		}
		log.Printf("<- %s %s %s", msg.Type, msg.Event, string(msg.Data))
		if msg.Event == "route.started" {
			return
		}
	}
}
