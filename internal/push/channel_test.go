package push

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/rs/zerolog"
)

// recorder is a Publisher collecting events.
type recorder struct {
	mu     sync.Mutex
	events []event
	notify chan struct{}
}

type event struct {
	topic   string
	payload any
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 100)}
}

func (r *recorder) Publish(topic string, payload any) int {
	r.mu.Lock()
	r.events = append(r.events, event{topic: topic, payload: payload})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return 1
}

func (r *recorder) updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, e := range r.events {
		if e.topic == eventbus.TopicNodeUpdate {
			ids = append(ids, e.payload.(protocol.NodeUpdate).ID)
		}
	}
	return ids
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

// waitFor polls until cond holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-r.notify:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for events, got %v", r.updates())
		}
	}
}

func TestDispatcher_Handle(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []string
	}{
		{name: "batch in order", data: `["b","a"]`, want: []string{"b", "a"}},
		{name: "duplicates collapse", data: `["a","a","b"]`, want: []string{"a", "b"}},
		{name: "malformed json dropped", data: `["a"`, want: nil},
		{name: "empty batch dropped", data: `[]`, want: nil},
		{name: "not an array dropped", data: `{"id":"a"}`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			d := &dispatcher{pub: rec, log: zerolog.Nop()}

			d.handle([]byte(tt.data))

			got := rec.updates()
			if len(got) != len(tt.want) {
				t.Fatalf("updates = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("updates[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDispatcher_UpdateCarriesDefaultIdentifier(t *testing.T) {
	rec := newRecorder()
	d := &dispatcher{pub: rec, log: zerolog.Nop()}

	d.handle([]byte(`["temp"]`))

	u := rec.events[0].payload.(protocol.NodeUpdate)
	if u.Identifier != "node__temp" {
		t.Errorf("Identifier = %q, want node__temp", u.Identifier)
	}
}

func TestNew_SchemeSelectsTransport(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "http://host/api/sse", want: "push-sse"},
		{url: "https://host/api/sse", want: "push-sse"},
		{url: "ws://host/ws", want: "push-websocket"},
		{url: "wss://host/ws", want: "push-websocket"},
		{url: "ftp://host/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			ch, err := New(tt.url, newRecorder(), zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if ch.String() != tt.want {
				t.Errorf("String() = %q, want %q", ch.String(), tt.want)
			}
		})
	}
}

func TestSSEChannel_DeliversBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "data: [\"x\",\"y\"]\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: [\"z\"]\n\n")
		flusher.Flush()

		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, err := New(srv.URL, rec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()

	rec.waitFor(t, func() bool { return len(rec.updates()) >= 3 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	got := strings.Join(rec.updates(), ",")
	if got != "x,y,z" {
		t.Errorf("updates = %s, want x,y,z", got)
	}
}

func TestWebSocketChannel_DeliversBatchesAndReportsConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`["a"]`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`["ignored"]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`["b","a"]`))

		// drain until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	ch, err := New("ws"+strings.TrimPrefix(srv.URL, "http"), rec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()

	rec.waitFor(t, func() bool { return len(rec.updates()) >= 3 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if got := strings.Join(rec.updates(), ","); got != "a,b,a" {
		t.Errorf("updates = %s, want a,b,a", got)
	}
	if rec.count(eventbus.TopicPushConnected) < 1 {
		t.Error("no push:connected event")
	}
	if rec.count(eventbus.TopicPushDisconnected) < 1 {
		t.Error("no push:disconnected event")
	}
}
