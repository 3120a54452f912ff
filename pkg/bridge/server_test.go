package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, req CommandRequest, conn ConnectionHandle) (CommandResult, error) {
	return CommandResult{Data: req.CommandKey, Cacheable: true}, nil
}

// countingDispatcher returns a fixed result and counts invocations, for
// cache-hit and expiry scenarios that must assert the dispatcher ran a
// specific number of times.
type countingDispatcher struct {
	mu     sync.Mutex
	calls  int
	result CommandResult
}

func (d *countingDispatcher) Dispatch(ctx context.Context, req CommandRequest, conn ConnectionHandle) (CommandResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.result, nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// mutationAwareDispatcher treats "update_task" as a mutating command
// affecting model "Task" and everything else as a cacheable read,
// letting one dispatcher instance exercise scenario S5's round trip.
type mutationAwareDispatcher struct{}

func (mutationAwareDispatcher) Dispatch(ctx context.Context, req CommandRequest, conn ConnectionHandle) (CommandResult, error) {
	if req.CommandKey == "update_task" {
		return CommandResult{Data: "updated", Mutating: true, Model: "Task"}, nil
	}
	return CommandResult{Data: []map[string]any{{"id": float64(1)}}, Cacheable: true}, nil
}

func readReply(t *testing.T, ws *websocket.Conn) Reply {
	t.Helper()
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return reply
}

func sendDispatch(t *testing.T, ws *websocket.Conn, id, commandKey string) {
	t.Helper()
	req := Envelope{Event: EventDispatch, ID: id, Data: json.RawMessage(`{"command_key":"` + commandKey + `","args":{}}`)}
	raw, _ := json.Marshal(req)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func TestServerSendsInfoFrameOnConnect(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second}, cache, echoDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ws := dial(t, wsURL(ts.URL))
	defer ws.Close()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read info frame: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != EventInfo {
		t.Fatalf("expected info frame first, got %q", env.Event)
	}
}

func TestServerDispatchRoundTrip(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second}, cache, echoDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ws := dial(t, wsURL(ts.URL))
	defer ws.Close()
	ws.ReadMessage() // info frame

	req := Envelope{Event: EventDispatch, ID: "r1", Data: json.RawMessage(`{"command_key":"ping","args":{}}`)}
	raw, _ := json.Marshal(req)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, respRaw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply Reply
	if err := json.Unmarshal(respRaw, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Status != "ok" || reply.ID != "r1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServerOriginRejectionClosesBeforeAnyFrame(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{
		MailboxCapacity:  16,
		ShutdownDeadline: time.Second,
		AllowedOrigins:   []string{"https://app.example"},
	}, cache, echoDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	header := make(map[string][]string)
	header["Origin"] = []string{"https://evil.example"}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403 for disallowed origin, got %+v", resp)
	}

	if srv.ClientCount() != 0 {
		t.Fatalf("expected no entry added to clients set")
	}
}

func TestServerShutdownIdempotent(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: 100 * time.Millisecond}, cache, echoDispatcher{}, nil, nil, nil)

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown must also return without error: %v", err)
	}
}

func TestServerBroadcastReachesOtherPeers(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second, AllowBroadcast: true}, cache, echoDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	a := dial(t, wsURL(ts.URL))
	defer a.Close()
	b := dial(t, wsURL(ts.URL))
	defer b.Close()
	a.ReadMessage() // info
	b.ReadMessage() // info

	req := Envelope{Event: EventBroadcast, ID: "b1", Data: json.RawMessage(`{"model":"Task"}`)}
	raw, _ := json.Marshal(req)
	a.WriteMessage(websocket.TextMessage, raw)

	// a receives its own "ok" reply to the broadcast request.
	_, ackRaw, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack Reply
	json.Unmarshal(ackRaw, &ack)
	if ack.Status != "ok" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// b receives the data_updated push, not a itself (except_sender).
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, pushRaw, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast on peer b: %v", err)
	}
	var pushed Envelope
	json.Unmarshal(pushRaw, &pushed)
	if pushed.Event != EventDataUpdated {
		t.Fatalf("expected data_updated push, got %q", pushed.Event)
	}
}

// TestServerCacheHitPath is scenario S1: a repeated read-only dispatch must
// hit the cache and the dispatcher must run exactly once.
func TestServerCacheHitPath(t *testing.T) {
	cache := NewCache(time.Minute)
	fake := &countingDispatcher{result: CommandResult{Data: []map[string]any{{"id": float64(1), "name": "a"}}, Cacheable: true}}
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second}, cache, fake, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ws := dial(t, wsURL(ts.URL))
	defer ws.Close()
	ws.ReadMessage() // info

	sendDispatch(t, ws, "1", "list_users")
	first := readReply(t, ws)
	if first.Status != "ok" {
		t.Fatalf("unexpected first reply: %+v", first)
	}

	sendDispatch(t, ws, "2", "list_users")
	second := readReply(t, ws)
	if second.Status != "ok" {
		t.Fatalf("unexpected second reply: %+v", second)
	}

	data, ok := second.Data.(map[string]any)
	if !ok || data["cached"] != true {
		t.Fatalf("expected second reply cached=true, got %+v", second.Data)
	}
	if fake.count() != 1 {
		t.Fatalf("expected dispatcher invoked exactly once, got %d", fake.count())
	}
}

// TestServerCacheExpiry is scenario S2: after the TTL elapses, a repeated
// dispatch must miss the cache and invoke the dispatcher again.
func TestServerCacheExpiry(t *testing.T) {
	cache := NewCache(time.Second)
	fixedNow := time.Now()
	cache.now = func() time.Time { return fixedNow }

	fake := &countingDispatcher{result: CommandResult{Data: "row", Cacheable: true}}
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second}, cache, fake, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ws := dial(t, wsURL(ts.URL))
	defer ws.Close()
	ws.ReadMessage() // info

	sendDispatch(t, ws, "1", "list_users")
	first := readReply(t, ws)
	if data, _ := first.Data.(map[string]any); data["cached"] == true {
		t.Fatalf("expected first reply to be a miss")
	}

	fixedNow = fixedNow.Add(1500 * time.Millisecond)

	sendDispatch(t, ws, "2", "list_users")
	second := readReply(t, ws)
	if data, _ := second.Data.(map[string]any); data["cached"] == true {
		t.Fatalf("expected post-expiry reply to be a miss, got %+v", second.Data)
	}
	if fake.count() != 2 {
		t.Fatalf("expected dispatcher invoked twice after expiry, got %d", fake.count())
	}
}

// TestServerBroadcastOnMutation is scenario S5: a mutating dispatch from
// peer A must push a data_updated frame to peer B (but not back to A) and
// clear the query cache for subsequent reads.
func TestServerBroadcastOnMutation(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: time.Second}, cache, mutationAwareDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	a := dial(t, wsURL(ts.URL))
	defer a.Close()
	b := dial(t, wsURL(ts.URL))
	defer b.Close()
	a.ReadMessage() // info
	b.ReadMessage() // info

	sendDispatch(t, a, "1", "list_tasks")
	readReply(t, a)
	if cache.Stats().QuerySize != 1 {
		t.Fatalf("expected one cached query entry before mutation")
	}

	sendDispatch(t, a, "2", "update_task")
	mutateReply := readReply(t, a)
	if mutateReply.Status != "ok" {
		t.Fatalf("unexpected mutate reply: %+v", mutateReply)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, pushRaw, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read data_updated on peer b: %v", err)
	}
	var pushed Envelope
	var pushBody struct {
		Model string `json:"model"`
	}
	json.Unmarshal(pushRaw, &pushed)
	if pushed.Event != EventDataUpdated {
		t.Fatalf("expected data_updated push on peer b, got %q", pushed.Event)
	}
	json.Unmarshal(pushed.Data, &pushBody)
	if pushBody.Model != "Task" {
		t.Fatalf("expected model \"Task\" in data_updated push, got %+v", pushBody)
	}

	if cache.Stats().QuerySize != 0 {
		t.Fatalf("expected mutation to clear the query cache")
	}
}

// TestServerGracefulShutdownUnderLoad is scenario S7: with several
// connections open, Shutdown must deliver a close within the deadline and
// return without blocking past it.
func TestServerGracefulShutdownUnderLoad(t *testing.T) {
	cache := NewCache(time.Minute)
	srv := NewServer(ServerConfig{MailboxCapacity: 16, ShutdownDeadline: 500 * time.Millisecond}, cache, echoDispatcher{}, nil, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	const n = 10
	conns := make([]*websocket.Conn, n)
	for i := 0; i < n; i++ {
		conns[i] = dial(t, wsURL(ts.URL))
		conns[i].ReadMessage() // info
		defer conns[i].Close()
	}

	if srv.ClientCount() != n {
		t.Fatalf("expected %d tracked connections, got %d", n, srv.ClientCount())
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Shutdown(context.Background())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not return within twice its deadline")
	}

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			continue // connection already closed by the force-close path, acceptable
		}
		var env Envelope
		json.Unmarshal(raw, &env)
		if env.Event != EventBye {
			t.Fatalf("conn %d: expected a bye frame, got %q", i, env.Event)
		}
	}
}
