package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// StaticServerConfig configures the static file companion server.
type StaticServerConfig struct {
	Host            string
	Port            int
	Root            string
	CORS            string // "open" or "off"
	ShutdownTimeout time.Duration
}

// StaticServer is an independent companion HTTP server that serves files
// from a configured root directory. Its lifecycle is coupled to the
// bridge server only via shared shutdown.
type StaticServer struct {
	cfg StaticServerConfig
	srv *http.Server
	log *bridgelog.Logger

	closeOnce sync.Once
}

// NewStaticServer builds a StaticServer bound to cfg.Host:cfg.Port.
func NewStaticServer(cfg StaticServerConfig) *StaticServer {
	s := &StaticServer{cfg: cfg, log: bridgelog.ForService("static")}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.srv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
	return s
}

// Start binds the listener and begins serving in the background. A bind
// failure (e.g. port already in use) is returned synchronously so the
// host process can exit with the configured bind-error code rather than
// silently picking another port.
func (s *StaticServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("static server: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight handlers to finish,
// bounded by cfg.ShutdownTimeout. Idempotent.
func (s *StaticServer) Stop(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err = s.srv.Shutdown(shutdownCtx)
	})
	return err
}

// handle serves GET (and answers OPTIONS for CORS preflight) under the
// configured root, with path-traversal guards and no directory listings.
func (s *StaticServer) handle(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resolved, err := s.resolvePath(r.URL.Path)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if info.IsDir() {
		http.Error(w, "directory listing disabled", http.StatusForbidden)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, resolved)
}

// resolvePath joins root and reqPath, canonicalizes, and rejects any
// result that escapes root.
func (s *StaticServer) resolvePath(reqPath string) (string, error) {
	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean("/" + reqPath)
	candidate := filepath.Join(root, cleaned)

	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errPathEscapesRoot
	}
	return candidate, nil
}

var errPathEscapesRoot = errors.New("resolved path escapes configured root")

func (s *StaticServer) applyCORS(w http.ResponseWriter) {
	if s.cfg.CORS == "off" {
		return
	}
	// Default ("open" or unset) is permissive, suited to local dev; opt out
	// via http.cors = "off".
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}
