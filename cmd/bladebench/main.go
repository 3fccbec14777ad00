// Command bladebench is a small foreground client for exercising a Blade
// session against a live upstream: connect, optionally subscribe to a
// channel and serve an execute protocol, and log the broadcasts that
// arrive on the subscribed channel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	blade "github.com/signalwire/blade-client-go"
	"github.com/signalwire/blade-client-go/internal/config"
	"github.com/signalwire/blade-client-go/internal/wire"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		subscribe  = flag.String("subscribe", "", "protocol:channel to subscribe to on connect")
		provide    = flag.String("provide", "", "protocol name to announce as a provider for (answers its \"echo\" method)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *subscribe, *provide); err != nil {
		slog.Error("bladebench exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, subscribe, provide string) error {
	slog.Info("connecting to blade upstream", "address", cfg.Address)

	sess := blade.New(cfg, slog.Default())

	if provide != "" {
		sess.HandleExecute(provide, "echo", func(ctx context.Context, req *wire.ExecuteRequest) (json.RawMessage, error) {
			slog.Info("execute received", "method", req.Method, "requester", req.RequesterNodeID)
			return json.RawMessage(`{"ok":true}`), nil
		})
	}

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.Close()

	slog.Info("connected", "nodeid", sess.NodeID(), "sessionid", sess.SessionID(), "state", sess.State())

	if provide != "" {
		if err := sess.ProtocolProviderAdd(ctx, wire.ProtocolProviderAddParams{Protocol: provide, Rank: 1}); err != nil {
			return fmt.Errorf("announcing provider for %s: %w", provide, err)
		}
		slog.Info("announced as provider", "protocol", provide)
	}

	if subscribe != "" {
		protocol, channel, err := splitProtocolChannel(subscribe)
		if err != nil {
			return err
		}
		sess.OnBroadcast(protocol, channel, func(evt *wire.BroadcastRequest) {
			slog.Info("broadcast received", "protocol", evt.Protocol, "channel", evt.Channel, "event", evt.Event)
		})
		if err := sess.SubscriptionAdd(ctx, protocol, channel); err != nil {
			return fmt.Errorf("subscribing to %s: %w", subscribe, err)
		}
		slog.Info("subscribed", "protocol", protocol, "channel", channel)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func splitProtocolChannel(s string) (protocol, channel string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid protocol:channel %q", s)
	}
	return parts[0], parts[1], nil
}

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
