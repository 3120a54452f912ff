package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/rubiojr/bridgectl/pkg/config"
)

var (
	statsTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("86")).
				Background(lipgloss.Color("235")).
				Padding(0, 1).
				Margin(0, 0, 1, 0)

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	statsValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("32"))
)

// CacheStatsCommand connects to a running bridge as a WebSocket client,
// requests a cache-stats snapshot, and renders it.
func CacheStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache-stats",
		Usage: "Print a snapshot of the bridge's cache statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			return printCacheStats(ctx, c.String("config"))
		},
	}
}

func printCacheStats(ctx context.Context, configPath string) error {
	cfg, err := config.Resolve(configPath, config.RuntimeOverrides{})
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	url := fmt.Sprintf("ws://%s/", cfg.BridgeAddr())
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connecting to bridge: %w", err)
	}
	defer ws.Close()

	// Discard the info frame sent immediately after handshake.
	if _, _, err := ws.ReadMessage(); err != nil {
		return fmt.Errorf("reading info frame: %w", err)
	}

	req := map[string]any{"event": "cache_stats", "id": "cache-stats-cli"}
	if err := ws.WriteJSON(req); err != nil {
		return fmt.Errorf("requesting cache stats: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply struct {
		Status string `json:"status"`
		Data   struct {
			SchemaHits        uint64 `json:"schema_hits"`
			SchemaMisses      uint64 `json:"schema_misses"`
			SchemaSize        int    `json:"schema_size"`
			QueryHits         uint64 `json:"query_hits"`
			QueryMisses       uint64 `json:"query_misses"`
			QuerySize         int    `json:"query_size"`
			DefaultTTLSeconds int64  `json:"default_ttl_seconds"`
		} `json:"data"`
		Error *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading cache-stats reply: %w", err)
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decoding cache-stats reply: %w", err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("bridge returned error %s: %s", reply.Error.Kind, reply.Error.Message)
	}

	fmt.Println(statsTitleStyle.Render("Bridge Cache Stats"))
	row := func(label string, value any) string {
		return fmt.Sprintf("%s %s", statsLabelStyle.Render(label+":"), statsValueStyle.Render(fmt.Sprint(value)))
	}
	fmt.Println(row("schema hits", reply.Data.SchemaHits))
	fmt.Println(row("schema misses", reply.Data.SchemaMisses))
	fmt.Println(row("schema size", reply.Data.SchemaSize))
	fmt.Println(row("query hits", reply.Data.QueryHits))
	fmt.Println(row("query misses", reply.Data.QueryMisses))
	fmt.Println(row("query size", reply.Data.QuerySize))
	fmt.Println(row("default ttl (s)", reply.Data.DefaultTTLSeconds))
	return nil
}
