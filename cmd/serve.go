package cmd

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"

	"github.com/rubiojr/bridgectl/pkg/bridge"
	"github.com/rubiojr/bridgectl/pkg/config"
)

// ServeCommand creates the serve command: resolves configuration, wires
// the bridge server and the static-file companion server, and runs until
// a shutdown signal arrives.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the bridge server and the static-file companion",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Resolve(configPath, config.RuntimeOverrides{})
	if err != nil {
		return configError(fmt.Errorf("resolving config: %w", err))
	}

	srv := bridge.NewServer(bridge.ServerConfig{
		MailboxCapacity:  cfg.Bridge.MailboxCapacity,
		ShutdownDeadline: cfg.Bridge.ShutdownDeadline.Duration,
		AllowedOrigins:   cfg.Bridge.AllowedOrigins,
		RequireAuth:      cfg.Bridge.RequireAuth,
		AllowBroadcast:   cfg.Bridge.AllowClientBroadcast,
	}, bridge.NewCache(cfg.Bridge.DefaultQueryTTL.Duration), bridge.DemoDispatcher{}, bridge.DemoSchemaProvider{}, bridge.DemoSessionProvider{}, bridge.NewDemoCredentialStore())

	bridgeHTTP := &http.Server{Addr: cfg.BridgeAddr(), Handler: srv}
	bridgeListener, err := net.Listen("tcp", cfg.BridgeAddr())
	if err != nil {
		return bindError(fmt.Errorf("binding bridge listener: %w", err))
	}
	bridgeListenErr := make(chan error, 1)
	go func() {
		log.Printf("bridge listening on %s", cfg.BridgeAddr())
		if err := bridgeHTTP.Serve(bridgeListener); err != nil && err != http.ErrServerClosed {
			bridgeListenErr <- err
		}
	}()

	var staticSrv *bridge.StaticServer
	if cfg.HTTP.Enabled {
		staticSrv = bridge.NewStaticServer(bridge.StaticServerConfig{
			Host:            cfg.HTTP.Host,
			Port:            cfg.HTTP.Port,
			Root:            cfg.HTTP.Root,
			CORS:            cfg.HTTP.CORS,
			ShutdownTimeout: cfg.Bridge.ShutdownDeadline.Duration,
		})
		if err := staticSrv.Start(); err != nil {
			return bindError(fmt.Errorf("starting static server: %w", err))
		}
		log.Printf("static server listening on %s, root=%s", cfg.HTTPAddr(), cfg.HTTP.Root)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var cfgMutex sync.RWMutex
	currentConfig := cfg

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("warning: failed to create config file watcher: %v", err)
	} else {
		defer watcher.Close()
		if configPath != "" {
			if err := watcher.Add(configPath); err != nil {
				log.Printf("warning: failed to watch config file %s: %v", configPath, err)
			} else {
				log.Printf("watching config file for changes: %s", configPath)
			}
		}
	}

	log.Println("bridge running. Press Ctrl+C to stop, send SIGHUP or edit the config file to reload.")

	var watcherEvents <-chan fsnotify.Event
	var watcherErrors <-chan error
	if watcher != nil {
		watcherEvents = watcher.Events
		watcherErrors = watcher.Errors
	}

	for {
		select {
		case err := <-bridgeListenErr:
			// The listener is already bound at this point; a Serve error here
			// is a fatal runtime failure, not a bind conflict.
			return runtimeError(fmt.Errorf("bridge server: %w", err))

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Println("received SIGHUP, reloading configuration...")
				reloadServeConfig(configPath, &cfgMutex, &currentConfig)
			default:
				log.Println("shutting down...")
				return shutdownServe(srv, bridgeHTTP, staticSrv, currentConfig.Bridge.ShutdownDeadline.Duration)
			}

		case event, ok := <-watcherEvents:
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				time.Sleep(100 * time.Millisecond)
				log.Printf("config file changed: %s, reloading configuration...", event.Name)
				reloadServeConfig(configPath, &cfgMutex, &currentConfig)
			}

		case err, ok := <-watcherErrors:
			if !ok {
				continue
			}
			log.Printf("config file watcher error: %v", err)
		}
	}
}

// reloadServeConfig re-resolves the configuration file and swaps the
// read-only snapshot used for the shutdown deadline. The live Bridge
// Server's per-connection policy (origins, require_auth, TTLs) is fixed
// at construction; a config change affecting those fields takes effect on
// the next `serve` invocation, since the Bridge Server has no in-place
// reconfiguration hook.
func reloadServeConfig(configPath string, mu *sync.RWMutex, current **config.Config) {
	newCfg, err := config.Resolve(configPath, config.RuntimeOverrides{})
	if err != nil {
		log.Printf("failed to reload configuration: %v", err)
		return
	}
	mu.Lock()
	*current = newCfg
	mu.Unlock()
	log.Println("configuration reloaded")
}

func shutdownServe(srv *bridge.Server, bridgeHTTP *http.Server, staticSrv *bridge.StaticServer, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("bridge shutdown: %v", err)
		}
		if err := bridgeHTTP.Shutdown(shutdownCtx); err != nil {
			log.Printf("bridge http shutdown: %v", err)
		}
	}()
	if staticSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := staticSrv.Stop(shutdownCtx); err != nil {
				log.Printf("static server shutdown: %v", err)
			}
		}()
	}
	wg.Wait()
	return nil
}
