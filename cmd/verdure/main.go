// Command verdure is the Verdure voice assistant client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/verdureai/verdure/internal/app"
	"github.com/verdureai/verdure/internal/config"
	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/observe"
	"github.com/verdureai/verdure/internal/protocol"
	"github.com/verdureai/verdure/internal/voice"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verdure: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verdure: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("verdure starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Server.Transport,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, *configPath, app.WithEvents(consoleEvents()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go console(ctx, stop, application.Orchestrator())

	slog.Info("client ready — press Enter to talk, type to chat, q to quit")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// console drives the orchestrator from stdin: an empty line toggles the
// voice turn, "q" quits, and anything else is sent as a typed message.
func console(ctx context.Context, quit func(), orch *voice.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			orch.ToggleChatState()
		case "q", "quit", "exit":
			quit()
			return
		default:
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := orch.SendTextMessage(sendCtx, line); err != nil {
				slog.Warn("send failed", "err", err)
			}
			cancel()
		}
	}
}

// consoleEvents prints conversation output to stdout.
func consoleEvents() voice.Events {
	return voice.Events{
		StateChanged: func(change conversation.StateChange) {
			slog.Debug("state", "from", change.From, "to", change.To)
		},
		Transcript: func(text string) {
			fmt.Printf(">> %s\n", text)
		},
		LlmMessage: func(text, emotion string) {
			if emotion != "" {
				fmt.Printf("<< [%s] %s\n", emotion, text)
			} else {
				fmt.Printf("<< %s\n", text)
			}
		},
		TtsState: func(state, text string) {
			if text != "" {
				fmt.Printf("~~ %s\n", text)
			}
		},
		MusicMessage: func(msg *protocol.Music) {
			if msg.Lyric != nil {
				fmt.Printf("♪ %s\n", msg.Lyric.Text)
			}
		},
		KeywordDetected: func(keyword string, confidence float64) {
			slog.Info("wake word", "keyword", keyword, "confidence", confidence)
		},
		Error: func(kind voice.ErrorKind, err error) {
			slog.Warn("component error", "kind", kind, "err", err)
		},
	}
}

// newLogger builds a text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
