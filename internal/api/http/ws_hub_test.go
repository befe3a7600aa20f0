package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ---- helpers ----

func newClient(buffer int) *wsClient {
	return &wsClient{send: make(chan []byte, buffer)}
}

func waitForClients(t *testing.T, hub *statusHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clientCount = %d, want %d", hub.clientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeData(t *testing.T, msg wsMessage) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v (raw: %s)", err, msg.Data)
	}
	return data
}

func receive(t *testing.T, c *wsClient) wsMessage {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal ws message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return wsMessage{}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v (raw: %s)", err, data)
	}
	return msg
}

// ---- statusHub unit tests ----

func TestStatusHub_AttachAndDetach(t *testing.T) {
	hub := newStatusHub(discardLogger())

	client := newClient(8)
	if !hub.attach(client) {
		t.Fatal("attach returned false on open hub")
	}
	if got := hub.clientCount(); got != 1 {
		t.Fatalf("clientCount = %d, want 1", got)
	}

	hub.detach(client)
	if got := hub.clientCount(); got != 0 {
		t.Fatalf("clientCount = %d, want 0", got)
	}
	if _, ok := <-client.send; ok {
		t.Fatal("send channel should be closed after detach")
	}

	// A second detach must not close the channel again.
	hub.detach(client)
}

func TestStatusHub_PublishToClients(t *testing.T) {
	hub := newStatusHub(discardLogger())

	c1, c2 := newClient(8), newClient(8)
	hub.attach(c1)
	hub.attach(c2)

	hub.publish("status", map[string]int{"tracked": 3})

	for i, c := range []*wsClient{c1, c2} {
		msg := receive(t, c)
		if msg.Type != "status" {
			t.Fatalf("client %d: type = %q, want status", i, msg.Type)
		}
		if got := decodeData(t, msg)["tracked"]; got != float64(3) {
			t.Fatalf("client %d: tracked = %v, want 3", i, got)
		}
	}
}

func TestStatusHub_LateClientGetsLatest(t *testing.T) {
	hub := newStatusHub(discardLogger())

	hub.publish("status", map[string]int{"tracked": 1})
	hub.publish("status", map[string]int{"tracked": 2})

	client := newClient(8)
	hub.attach(client)

	msg := receive(t, client)
	if got := decodeData(t, msg)["tracked"]; got != float64(2) {
		t.Fatalf("tracked = %v, want 2", got)
	}
	if len(client.send) != 0 {
		t.Fatalf("expected one replayed message, %d more queued", len(client.send))
	}
}

func TestStatusHub_PublishDropsSlowClient(t *testing.T) {
	hub := newStatusHub(discardLogger())

	slow := newClient(1)
	fast := newClient(8)
	hub.attach(slow)
	hub.attach(fast)

	hub.publish("status", 1)
	hub.publish("status", 2)

	if got := hub.clientCount(); got != 1 {
		t.Fatalf("clientCount = %d, want 1", got)
	}
	receive(t, fast)
	receive(t, fast)
}

func TestStatusHub_PublishMarshalFailure(t *testing.T) {
	hub := newStatusHub(discardLogger())
	client := newClient(1)
	hub.attach(client)

	hub.publish("bad", make(chan int))

	if len(client.send) != 0 {
		t.Fatal("unmarshalable payload should not be delivered")
	}
	if len(hub.latest) != 0 {
		t.Fatal("unmarshalable payload should not be remembered")
	}
}

func TestStatusHub_Close(t *testing.T) {
	hub := newStatusHub(discardLogger())
	client := newClient(1)
	hub.attach(client)

	hub.Close()
	hub.Close()

	if _, ok := <-client.send; ok {
		t.Fatal("send channel should be closed by Close")
	}
	if hub.attach(newClient(1)) {
		t.Fatal("attach should fail after close")
	}
	hub.publish("status", 1)
	if got := hub.clientCount(); got != 0 {
		t.Fatalf("clientCount = %d, want 0", got)
	}
}

// ---- handleWS integration tests ----

func TestHandleWS_SendsStatusOnConnect(t *testing.T) {
	sched := &fakeScheduler{}
	sched.status.Tracked = 7
	s := NewServer(sched, WithLogger(discardLogger()))
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != "status" {
		t.Fatalf("type = %q, want status", msg.Type)
	}
	data := decodeData(t, msg)
	if data["tracked"] != float64(7) {
		t.Fatalf("tracked = %v, want 7", data["tracked"])
	}
}

func TestHandleWS_BroadcastStatus(t *testing.T) {
	sched := &fakeScheduler{}
	s := NewServer(sched, WithLogger(discardLogger()))
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	readWSMessage(t, conn, 2*time.Second)
	waitForClients(t, s.hub, 1)

	sched.mu.Lock()
	sched.status.InFlight = 2
	sched.mu.Unlock()
	s.BroadcastStatus()

	msg := readWSMessage(t, conn, 2*time.Second)
	data := decodeData(t, msg)
	if data["inFlight"] != float64(2) {
		t.Fatalf("inFlight = %v, want 2", data["inFlight"])
	}
}

func TestHandleWS_ClientDisconnect(t *testing.T) {
	s := NewServer(&fakeScheduler{}, WithLogger(discardLogger()))
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	conn := dialWS(t, srv)
	waitForClients(t, s.hub, 1)

	conn.Close()
	waitForClients(t, s.hub, 0)
}

func TestHandleWS_NonWSRequest(t *testing.T) {
	s := NewServer(&fakeScheduler{}, WithLogger(discardLogger()))
	defer s.Close()

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	s := NewServer(&fakeScheduler{}, WithLogger(discardLogger()))
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	readWSMessage(t, conn, 2*time.Second)

	s.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
}
