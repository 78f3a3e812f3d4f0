package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsloop/sshbroker/internal/config"
	"github.com/opsloop/sshbroker/internal/dispatcher"
	"github.com/opsloop/sshbroker/internal/hostkeys"
	"github.com/opsloop/sshbroker/internal/interposer"
	"github.com/opsloop/sshbroker/internal/metrics"
	"github.com/opsloop/sshbroker/internal/policy"
	"github.com/opsloop/sshbroker/internal/protocol"
	"github.com/opsloop/sshbroker/internal/registry"
)

const (
	exitConfigErr = 1
	exitFatalInit = 2
)

// run wires the process together and blocks serving the stdio JSON-RPC
// loop until stdin closes or a termination signal arrives. It calls
// os.Exit directly for the two non-zero exit codes spec.md §6 defines,
// since cobra's RunE error path collapses everything to exit code 1.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logFatalStartup("configuration error", err)
		os.Exit(exitConfigErr)
	}

	log := newLogger(cfg)

	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to start config watcher")
		os.Exit(exitFatalInit)
	}
	defer watcher.Stop()

	hk, err := hostkeys.NewManager(cfg.KnownHostsPath, cfg.StrictHostKeyChecking)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize host key manager")
		os.Exit(exitFatalInit)
	}

	tier := policy.ParseTier(cfg.PermissibilityTier)
	engine, err := policy.NewEngine(tier, policy.DefaultTables())
	if err != nil {
		log.Error().Err(err).Msg("failed to build policy engine")
		os.Exit(exitConfigErr)
	}

	sessionMetrics := metrics.NewSessionMetrics()
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, log)
	}

	sessions := registry.New(cfg.MaxSessions, cfg.IdleTTL, sessionMetrics, log)
	sessions.StartEvictionTick()
	defer sessions.Stop()

	pending := interposer.NewPendingTable(cfg.PendingPromptTTL)
	startSweeper(pending)

	broker := dispatcher.NewBroker(sessions, pending, hk, engine, sessionMetrics, watcher.Current, time.Now())
	toolRegistry := dispatcher.NewToolRegistry()
	dispatcher.RegisterSSHTools(toolRegistry, broker)
	server := dispatcher.NewServer(toolRegistry, log)

	log.Info().Str("tier", tier.String()).Int("max_sessions", cfg.MaxSessions).Msg("sshmcpd ready")

	return serveStdio(server, log)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}
	// Logs go to stderr exclusively: stdout is the JSON-RPC transport.
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func logFatalStartup(msg string, err error) {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	l.Error().Err(err).Msg(msg)
}

func startSweeper(pending *interposer.PendingTable) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		for range ticker.C {
			pending.Sweep()
		}
	}()
}

// serveStdio reads newline-delimited JSON-RPC requests from stdin and
// writes their responses to stdout, one goroutine per in-flight call so a
// slow ssh_run never blocks a concurrent tools/list.
func serveStdio(server *dispatcher.Server, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	var writeMu sync.Mutex
	out := os.Stdout

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()

			var req protocol.Request
			if err := json.Unmarshal(lineCopy, &req); err != nil {
				log.Warn().Err(err).Msg("failed to parse request line")
				return
			}

			resp := server.HandleRequest(ctx, req)

			encoded, err := json.Marshal(resp)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal response")
				return
			}

			writeMu.Lock()
			out.Write(encoded)
			out.Write([]byte("\n"))
			writeMu.Unlock()
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdin read error")
		return err
	}
	log.Info().Msg("stdin closed, shutting down")
	return nil
}
