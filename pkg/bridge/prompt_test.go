package bridge

import (
	"context"
	"testing"
	"time"
)

func TestPromptRouterRoundTrip(t *testing.T) {
	var sent push
	router := NewPromptRouter(func(connID string, frame push) error {
		sent = frame
		return nil
	})

	var got string
	var gotErr error
	done := make(chan struct{})
	go func() {
		got, gotErr = router.Request(context.Background(), "conn1", PromptDescriptor{Prompt: "name?"}, 0)
		close(done)
	}()

	// Wait for the request to register before responding.
	for i := 0; i < 1000 && sent.Event == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	data := sent.Data.(map[string]any)
	id := data["id"].(string)

	if ok := router.Respond(id, "gal"); !ok {
		t.Fatalf("expected Respond to find the pending prompt")
	}
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got != "gal" {
		t.Fatalf("unexpected value: %q", got)
	}
}

func TestPromptRouterRejectsSecondConcurrentPrompt(t *testing.T) {
	router := NewPromptRouter(func(connID string, frame push) error { return nil })

	done := make(chan struct{})
	go func() {
		router.Request(context.Background(), "conn1", PromptDescriptor{Prompt: "first"}, 0)
		close(done)
	}()

	for i := 0; i < 1000 && !router.HasPending("conn1"); i++ {
		time.Sleep(time.Millisecond)
	}

	if _, err := router.Request(context.Background(), "conn1", PromptDescriptor{Prompt: "second"}, 0); err != ErrPromptPending {
		t.Fatalf("expected ErrPromptPending, got %v", err)
	}

	router.CancelConn("conn1")
	<-done
}

func TestPromptRouterCancelOnConnClose(t *testing.T) {
	router := NewPromptRouter(func(connID string, frame push) error { return nil })

	resultCh := make(chan error, 1)
	go func() {
		_, err := router.Request(context.Background(), "conn1", PromptDescriptor{Prompt: "name?"}, 0)
		resultCh <- err
	}()

	for i := 0; i < 1000 && !router.HasPending("conn1"); i++ {
		time.Sleep(time.Millisecond)
	}
	router.CancelConn("conn1")

	err := <-resultCh
	if err != ErrPromptCancelled {
		t.Fatalf("expected ErrPromptCancelled, got %v", err)
	}
	if router.HasPending("conn1") {
		t.Fatalf("expected no pending prompt after cancellation")
	}
}

func TestPromptRouterTimeout(t *testing.T) {
	router := NewPromptRouter(func(connID string, frame push) error { return nil })

	_, err := router.Request(context.Background(), "conn1", PromptDescriptor{Prompt: "name?"}, 10*time.Millisecond)
	if err != ErrPromptTimeout {
		t.Fatalf("expected ErrPromptTimeout, got %v", err)
	}
}

func TestPromptRouterRespondUnknownIDIsNoop(t *testing.T) {
	router := NewPromptRouter(func(connID string, frame push) error { return nil })
	if router.Respond("no-such-id", "value") {
		t.Fatalf("expected Respond on unknown id to report false")
	}
}
