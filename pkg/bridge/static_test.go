package bridge

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestStaticServer(t *testing.T) (*StaticServer, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return NewStaticServer(StaticServerConfig{Root: dir, CORS: "open"}), dir
}

func TestStaticServerServesFile(t *testing.T) {
	s, _ := newTestStaticServer(t)
	req := httptest.NewRequest("GET", "/index.html", nil)
	w := httptest.NewRecorder()
	s.handle(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestStaticServerRejectsTraversal(t *testing.T) {
	s, _ := newTestStaticServer(t)
	req := httptest.NewRequest("GET", "/../../etc/passwd", nil)
	w := httptest.NewRecorder()
	s.handle(w, req)
	if w.Code != 403 {
		t.Fatalf("expected 403 for traversal attempt, got %d", w.Code)
	}
}

func TestStaticServerDisablesDirectoryListing(t *testing.T) {
	s, _ := newTestStaticServer(t)
	req := httptest.NewRequest("GET", "/sub", nil)
	w := httptest.NewRecorder()
	s.handle(w, req)
	if w.Code != 403 {
		t.Fatalf("expected 403 for directory listing, got %d", w.Code)
	}
}

func TestStaticServerMissingFileIs404(t *testing.T) {
	s, _ := newTestStaticServer(t)
	req := httptest.NewRequest("GET", "/nope.html", nil)
	w := httptest.NewRecorder()
	s.handle(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStaticServerCORSOffOmitsHeaders(t *testing.T) {
	dir := t.TempDir()
	s := NewStaticServer(StaticServerConfig{Root: dir, CORS: "off"})
	req := httptest.NewRequest("OPTIONS", "/", nil)
	w := httptest.NewRecorder()
	s.handle(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no CORS headers when cors=off")
	}
}

func TestStaticServerBindConflictSurfacesError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	defer ln.Close()

	s := NewStaticServer(StaticServerConfig{Host: "127.0.0.1", Port: port, Root: t.TempDir()})
	if err := s.Start(); err == nil {
		t.Fatalf("expected bind error for already-in-use port %d", port)
	}
}

func TestStaticServerStopIdempotent(t *testing.T) {
	s := NewStaticServer(StaticServerConfig{Host: "127.0.0.1", Port: 0, Root: t.TempDir()})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
