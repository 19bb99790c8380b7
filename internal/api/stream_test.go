// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/contextd/internal/event"
)

func TestEventsStreamSnapshotThenDeltaThenKeepAlive(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	f.hub.Publish(event.New(event.TypeSessionRegistered, "s1", nil))

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	var sawSnapshot, sawDelta, sawKeepAlive bool
	for time.Now().Before(deadline) && !(sawSnapshot && sawDelta && sawKeepAlive) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "+event.TypeSnapshot):
			sawSnapshot = true
		case strings.HasPrefix(line, "event: "+event.TypeSessionRegistered):
			if !sawSnapshot {
				t.Fatal("delta arrived before the snapshot")
			}
			sawDelta = true
		case strings.HasPrefix(line, ": keep-alive"):
			sawKeepAlive = true
		}
	}
	if !sawSnapshot || !sawDelta || !sawKeepAlive {
		t.Errorf("snapshot=%v delta=%v keepalive=%v, want all three", sawSnapshot, sawDelta, sawKeepAlive)
	}
}

func TestEventsStreamCleansUpOnDisconnect(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.hub.SubscriberCount(); got != 1 {
		t.Fatalf("subscribers = %d, want 1 while connected", got)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && f.hub.SubscriberCount() != 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if got := f.hub.SubscriberCount(); got != 0 {
		t.Errorf("subscribers = %d after disconnect, want 0", got)
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	var first event.Event
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != event.TypeSnapshot {
		t.Errorf("first frame = %s, want snapshot", first.Type)
	}

	f.hub.Publish(event.New(event.TypeTaskUpdated, "s1", nil))

	var delta event.Event
	if err := conn.ReadJSON(&delta); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if delta.Type != event.TypeTaskUpdated {
		t.Errorf("delta frame = %s", delta.Type)
	}
}
