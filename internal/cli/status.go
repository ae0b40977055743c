package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/media"
	"github.com/soyeahso/parley/internal/relay"
	"github.com/soyeahso/parley/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var probeTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary, relay health and capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Parley %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:   %s\n", paths.Config)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}
			if cfg.Chat.HistoryStore == "memory" {
				fmt.Fprintln(out, "History:  in memory")
			} else {
				fmt.Fprintf(out, "History:  %s\n", paths.HistoryFor(cfg.Identity.PeerID))
			}
			fmt.Fprintln(out)
			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:   not found (using defaults)")
			}

			peer := cfg.Identity.PeerID
			if peer == "" {
				peer = "(not set)"
			}
			fmt.Fprintf(out, "Identity: %s\n", peer)
			fmt.Fprintf(out, "Relay:    %s\n", cfg.Relay.URL)
			fmt.Fprintf(out, "Server:   port=%d bind=%s auth=%s\n", cfg.Server.Port, cfg.Server.Bind, cfg.Server.Auth.Mode)
			fmt.Fprintf(out, "Chat:     store=%s limit=%d\n", cfg.Chat.HistoryStore, cfg.Chat.HistoryLimit)
			fmt.Fprintf(out, "Calls:    ring=%s negotiation=%s ice-servers=%d\n",
				cfg.Call.RingTimeout(), cfg.Call.NegotiationTimeout(), len(cfg.ICE.Servers))

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			if health, err := probeRelay(ctx, cfg.Relay.URL); err != nil {
				fmt.Fprintf(out, "Health:   unreachable (%v)\n", err)
			} else {
				fmt.Fprintf(out, "Health:   %s\n", health.Status)
			}

			devices := media.Devices()
			if len(devices) == 0 {
				fmt.Fprintln(out, "Devices:  none (capture needs a build with -tags devices)")
			}
			for _, d := range devices {
				fmt.Fprintf(out, "Device:   %s %s\n", d.Kind, d.Label)
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	cmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "relay health probe timeout")
	return cmd
}

// healthURL maps the relay's WebSocket URL to its /health endpoint.
func healthURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/health"
	u.RawQuery = ""
	return u.String(), nil
}

func probeRelay(ctx context.Context, relayURL string) (relay.HealthResponse, error) {
	var health relay.HealthResponse
	target, err := healthURL(relayURL)
	if err != nil {
		return health, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return health, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return health, fmt.Errorf("status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decoding health: %w", err)
	}
	return health, nil
}
