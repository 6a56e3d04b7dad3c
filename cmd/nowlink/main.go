// nowlink runs one side of a two-node battery-emulator radio link.
//
// The transmitter sits next to the battery emulator and owns the
// configuration; the receiver drives a terminal dashboard and the admin
// web UI. Off-hardware the link is carried over UDP.
//
// Usage:
//
//	nowlink [flags]
//	nowlink sim
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.nowlink/config.toml")
//	-role string
//	    Node role: transmitter or receiver (overrides config)
//	-name string
//	    Node name (overrides config)
//	-data-dir string
//	    Data directory (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-batt/nowlink/lib/command"
	"github.com/go-batt/nowlink/lib/display"
	"github.com/go-batt/nowlink/lib/node"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/transport"
	"github.com/go-batt/nowlink/lib/web"
	"github.com/go-batt/nowlink/lib/wire"
	"github.com/go-batt/nowlink/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".nowlink", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	role := flag.String("role", "", "Node role: transmitter or receiver (overrides config)")
	nodeName := flag.String("name", "", "Node name (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "nowlink - battery-emulator radio link node\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  nowlink [flags]           Start a node\n")
		fmt.Fprintf(os.Stderr, "  nowlink sim               Run a transmitter/receiver pair in-process\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("nowlink version %s\n", version.Full())
		return 0
	}

	// The debug_control command retunes this at runtime.
	levelVar := new(slog.LevelVar)
	if *verbose {
		levelVar.Set(slog.LevelDebug)
	}

	// The receiver's dashboard owns the terminal, so logs go through a
	// ring buffer rendered on its logs tab; everything else writes to
	// stderr directly.
	logBuf := display.NewLogBuffer(display.DefaultLogCapacity)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	logger := slog.New(logBuf.Handler(stderrHandler))
	slog.SetDefault(logger)

	if args := flag.Args(); len(args) > 0 && args[0] == "sim" {
		return runSim(logger, logBuf, levelVar)
	}

	cfg, err := node.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *nodeName != "" {
		cfg.Node.Name = *nodeName
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *role != "" {
		cfg.Node.Role = *role
	}

	driver, err := buildDriver(cfg, logger)
	if err != nil {
		logger.Error("failed to build link driver", "error", err)
		return 1
	}

	n, err := node.NewNode(cfg, driver, logger)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		return 1
	}
	n.SetCommandHooks(commandHooks(logger, levelVar))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logger.Error("failed to start node", "error", err)
		return 1
	}

	var server *web.Server
	if cfg.Web.Enabled {
		server, err = web.New(web.Config{ListenAddr: cfg.Web.Listen, Logger: logger}, n)
		if err == nil {
			err = server.Start()
		}
		if err != nil {
			logger.Error("failed to start web admin", "error", err)
			stopNode(n, logger)
			return 1
		}
		logger.Info("web admin up", "listen", cfg.Web.Listen)
	}

	logger.Info("nowlink started",
		"name", cfg.Node.Name,
		"role", cfg.Node.Role,
		"version", version.Full(),
	)

	code := 0
	if cfg.Node.Role == node.RoleReceiver && cfg.Display.Enabled {
		code = runDashboard(n, logBuf)
	} else {
		waitForSignal(n, logger)
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("web shutdown error", "error", err)
		}
		shutdownCancel()
	}
	if n.State() == node.StateRunning {
		stopNode(n, logger)
	}

	logger.Info("nowlink stopped")
	return code
}

// buildDriver constructs the UDP link driver from the transport section.
func buildDriver(cfg *node.Config, logger *slog.Logger) (radio.Driver, error) {
	localAddr, err := wire.ParseAddr(cfg.Transport.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("transport.local_addr: %w", err)
	}
	return transport.New(transport.Config{
		LocalAddr: localAddr,
		Listen:    cfg.Transport.Listen,
		Endpoints: cfg.Transport.Endpoints,
		Logger:    logger,
	})
}

// commandHooks binds the remote commands to this process.
func commandHooks(logger *slog.Logger, levelVar *slog.LevelVar) command.Hooks {
	var debugLevel atomic.Uint32
	debugLevel.Store(6) // INFO on the 0=EMERG..7=DEBUG scale

	return command.Hooks{
		OnReboot: func() {
			logger.Warn("reboot requested by peer, exiting for supervisor restart")
			// Give the ack a moment to leave the radio.
			time.AfterFunc(500*time.Millisecond, func() { os.Exit(0) })
		},
		OnFlashLED: func(color wire.LEDColor) {
			logger.Info("indicator flash requested", "color", color)
		},
		SetDebugLevel: func(level uint8) (uint8, error) {
			previous := uint8(debugLevel.Swap(uint32(level)))
			levelVar.Set(slogLevel(level))
			return previous, nil
		},
	}
}

// slogLevel maps the wire debug level (0 EMERG .. 7 DEBUG) onto slog.
func slogLevel(level uint8) slog.Level {
	switch {
	case level >= 7:
		return slog.LevelDebug
	case level == 6:
		return slog.LevelInfo
	case level >= 4:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// runDashboard runs the terminal dashboard until the user quits.
func runDashboard(n *node.Node, logBuf *display.LogBuffer) int {
	app, err := display.New(display.Config{Source: n, Logs: logBuf})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		return 1
	}
	return 0
}

// waitForSignal blocks until SIGINT/SIGTERM or the node stops on its own.
func waitForSignal(n *node.Node, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-n.Done():
		logger.Info("node stopped unexpectedly")
	}
}

func stopNode(n *node.Node, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runSim wires a transmitter and a receiver over an in-memory hub and
// puts the receiver's dashboard on the terminal. The transmitter feeds
// synthetic telemetry so every layer of the stack moves.
func runSim(logger *slog.Logger, logBuf *display.LogBuffer, levelVar *slog.LevelVar) int {
	hub := radio.NewHub()
	txAddr := wire.Addr{0xAA, 0x00, 0x00, 0x00, 0x00, 0x01}
	rxAddr := wire.Addr{0xAA, 0x00, 0x00, 0x00, 0x00, 0x02}

	tmpDir, err := os.MkdirTemp("", "nowlink-sim")
	if err != nil {
		logger.Error("sim setup failed", "error", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	txCfg := node.DefaultConfig()
	txCfg.Node.Name = "sim-tx"
	txCfg.Node.Role = node.RoleTransmitter
	txCfg.Node.DataDir = filepath.Join(tmpDir, "tx")
	txCfg.Radio.Tick = 20 * time.Millisecond
	txCfg.Uplink.Enabled = false
	txCfg.Web.Enabled = false

	rxCfg := node.DefaultConfig()
	rxCfg.Node.Name = "sim-rx"
	rxCfg.Node.Role = node.RoleReceiver
	rxCfg.Node.DataDir = filepath.Join(tmpDir, "rx")
	rxCfg.Radio.Tick = 20 * time.Millisecond
	rxCfg.Uplink.Enabled = false
	rxCfg.Web.Enabled = false

	tx, err := node.NewNode(txCfg, hub.NewDriver(txAddr), logger)
	if err != nil {
		logger.Error("sim transmitter failed", "error", err)
		return 1
	}
	tx.SetCommandHooks(commandHooks(logger, levelVar))
	rx, err := node.NewNode(rxCfg, hub.NewDriver(rxAddr), logger)
	if err != nil {
		logger.Error("sim receiver failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rx.Start(ctx); err != nil {
		logger.Error("sim receiver start failed", "error", err)
		return 1
	}
	if err := tx.Start(ctx); err != nil {
		logger.Error("sim transmitter start failed", "error", err)
		stopNode(rx, logger)
		return 1
	}

	// Synthetic battery: drifts between charging and discharging.
	go func() {
		soc := uint8(68)
		power := int16(-350)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if soc >= 95 {
					power = 420
				} else if soc <= 40 {
					power = -350
				}
				if power < 0 && soc < 100 {
					soc++
				} else if power > 0 && soc > 0 {
					soc--
				}
				if err := tx.SendTelemetry(wire.Data{SOC: soc, Power: power}); err != nil {
					logger.Debug("sim telemetry skipped", "error", err)
				}
			}
		}
	}()

	code := runDashboard(rx, logBuf)

	if tx.State() == node.StateRunning {
		stopNode(tx, logger)
	}
	if rx.State() == node.StateRunning {
		stopNode(rx, logger)
	}
	return code
}
