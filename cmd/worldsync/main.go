package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/worldsync/server/internal/command"
	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/control"
	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/core/event"
	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/data"
	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/handler"
	gonet "github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/persist"
	"github.com/worldsync/server/internal/scripting"
	"github.com/worldsync/server/internal/system"
	"github.com/worldsync/server/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name, room string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             worldsync  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(room: %s)\033[0m\n\n", name, room)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	fmt.Printf("  \033[32m✓\033[0m %-20s \033[1m%d\033[0m\n", label, count)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("WORLDSYNC_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.RoomID)

	// 3. Durable store
	printSection("storage")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := persist.Open(ctx, cfg.Database, log.Named("store"))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	var writer *persist.AsyncWriter
	var profiles []world.AgentProfile
	if store != nil {
		defer store.Close()
		profiles, err = store.LoadProfiles(ctx)
		if err != nil {
			return fmt.Errorf("load profiles: %w", err)
		}
		writer = persist.NewAsyncWriter(store, cfg.Database.WriteQueueSize, log.Named("store"))
		printOK(fmt.Sprintf("%s store ready", cfg.Database.Driver))
		printStat("profiles", len(profiles))
	} else {
		printOK("persistence disabled")
	}

	var archive *eventlog.Archive
	if dir := cfg.EventLog.ArchiveDir; dir != "" {
		archive, err = eventlog.NewArchive(dir, 0, log.Named("archive"))
		if err != nil {
			return fmt.Errorf("event archive: %w", err)
		}
		printOK("event archive at " + dir)
	}
	fmt.Println()

	// 4. Data tables and scripting
	printSection("data")
	vocab := data.DefaultVocabulary()
	if p := cfg.Data.Vocabulary; p != "" {
		if vocab, err = data.LoadVocabulary(p); err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
	}
	printStat("actions + emotes", vocab.Count())

	var chatTable *data.ChatFilterTable
	if p := cfg.Data.ChatFilter; p != "" {
		if chatTable, err = data.LoadChatFilter(p); err != nil {
			return fmt.Errorf("load chat filter: %w", err)
		}
		printStat("blocked terms", chatTable.Count())
	}

	luaEngine, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer luaEngine.Close()
	if luaEngine.HasChatFilter() {
		printOK("Lua chat hook loaded")
	}
	fmt.Println()

	// 5. World state
	wc := cfg.World
	bounds := world.Bounds{
		Min: world.Vec3{X: wc.Bounds.MinX, Y: wc.Bounds.MinY, Z: wc.Bounds.MinZ},
		Max: world.Vec3{X: wc.Bounds.MaxX, Y: wc.Bounds.MaxY, Z: wc.Bounds.MaxZ},
	}
	clk := clock.Real{}
	ws := world.NewState(clk, world.Options{
		Bounds:    bounds,
		CellSize:  wc.CellSize,
		Capacity:  wc.Capacity,
		Spawn:     world.Vec3{X: wc.Spawn[0], Y: wc.Spawn[1], Z: wc.Spawn[2]},
		InboxSize: wc.InboxSize,
	})
	ws.Restore(profiles)
	ws.Publish()

	// 6. Command path
	var limiter *command.AgentLimiter
	if cfg.RateLimit.Enabled {
		limiter = command.NewAgentLimiter(cfg.RateLimit.CommandsPerSecond, cfg.RateLimit.Burst)
	}
	validator := command.NewValidator(ws, command.Limits{
		Bounds:       bounds,
		MaxChatRunes: cfg.Chat.MaxLength,
		MaxDMRunes:   cfg.Chat.DMMaxLength,
	}, vocab, command.NewFilter(chatTable, luaEngine))
	queue := command.NewQueue(cfg.Network.CommandQueueSize, limiter)
	intake := command.NewIntake(validator, queue, clk, cfg.Control.RegisterTimeout, log)

	// 7. Event bus: recent-event ring, archive and durable store
	bus := event.NewBus()
	events := eventlog.New(cfg.EventLog.Capacity)
	event.Subscribe(bus, func(ev event.TickCommitted) {
		entries, err := events.Append(ev.Tick, ev.Events)
		if err != nil {
			log.Error("event log append", zap.Uint64("tick", ev.Tick), zap.Error(err))
			return
		}
		if archive != nil {
			archive.Enqueue(entries)
		}
		if writer != nil {
			writer.AppendEvents(entries)
		}
	})
	if writer != nil {
		event.Subscribe(bus, func(ev event.ProfilesChanged) {
			writer.SaveProfiles(ev.Profiles)
		})
	}

	// 8. Observer protocol
	pktReg := packet.NewRegistry(log)
	sessions := gonet.NewSessionStore()
	handler.RegisterAll(pktReg, &handler.Deps{
		Config:   cfg,
		Log:      log,
		World:    ws,
		Sessions: sessions,
		Clock:    clk,
	})
	netServer := gonet.NewServer(gonet.SessionOptions{
		InQueueSize:      cfg.Network.InQueueSize,
		OutQueueSize:     cfg.Network.OutQueueSize,
		PacketsPerSecond: cfg.Network.PacketsPerSecond,
		ReadTimeout:      cfg.Network.ReadTimeout,
		WriteTimeout:     cfg.Network.WriteTimeout,
	}, originChecker(cfg.Control.AllowedOrigins), log)

	// 9. Systems
	runner := coresys.NewRunner()
	cmdSys := system.NewCommandSystem(ws, queue, cfg.Network.MaxCommandsPerTick, log)
	broadcast := system.NewBroadcastSystem(ws, sessions, cfg.Network.MaxDroppedBatches, log)
	persistSys := system.NewPersistenceSystem(ws, bus)
	runner.Register(system.NewInputSystem(netServer, pktReg, sessions, bus,
		cfg.Network.MaxPacketsPerTick, cfg.Network.MaxDroppedBatches, log))
	runner.Register(system.NewDispatchSystem(bus))
	runner.Register(cmdSys)
	runner.Register(system.NewEvictionSystem(ws, wc.IdleTimeout, log))
	runner.Register(system.NewHeartbeatSystem(ws, sessions, cfg.HeartbeatTicks()))
	runner.Register(broadcast)
	runner.Register(persistSys)
	runner.Register(system.NewPublishSystem(ws, cmdSys))

	// 10. HTTP surface
	ctl, err := control.New(control.Options{
		Config:      cfg,
		Intake:      intake,
		World:       ws,
		Events:      events,
		Subscribers: broadcast.Subscribers,
		WebSocket:   netServer,
		Log:         log.Named("control"),
	})
	if err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.Network.BindAddress,
		Handler:           ctl,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	// 11. Start tick loop
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := coresys.NewLoop(runner, coresys.NewRealTicks(cfg.Network.TickRate), cfg.Network.TickRate)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()

	printSection("ready")
	printReady("listening on " + cfg.Network.BindAddress)
	printReady(fmt.Sprintf("tick loop started (tick: %s)", cfg.Network.TickRate))
	fmt.Println()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-shutdownCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-loopDone:
		runErr = fmt.Errorf("tick loop: %w", err)
		loopDone <- err
	}

	// 12. Graceful shutdown: stop intake, stop the loop, flush state.
	netServer.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopLoop()
	<-loopDone

	sessions.ForEach(func(sess *gonet.Session) {
		sess.CloseWith(websocket.CloseGoingAway, "server shutting down")
	})
	persistSys.SaveAll()
	bus.SwapBuffers()
	bus.DispatchAll()
	if writer != nil {
		writer.Close()
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Warn("close event archive", zap.Error(err))
		}
	}
	batches, drops := broadcast.Stats()
	log.Info("server stopped",
		zap.Uint64("tick", ws.Tick()),
		zap.Uint64("batches", batches),
		zap.Uint64("dropped_batches", drops),
		zap.Uint64("resyncs", broadcast.Resyncs()),
	)
	return runErr
}

// originChecker allows websocket upgrades from the configured origins. A
// "*" entry, or no entries, allows every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
