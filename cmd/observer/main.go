// observer is a command-line observer: it subscribes to a worldsync server,
// reconciles the stream and prints the displayed agent positions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/worldsync/server/internal/client"
	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net/packet"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "observer",
		Short: "Watch a worldsync room from the terminal",
	}
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the observer version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("observer " + version)
		},
	}
}

func watchCmd() *cobra.Command {
	var (
		url         string
		follow      string
		radius      float64
		viewX       float64
		viewZ       float64
		proximity   bool
		interval    time.Duration
		heartbeat   time.Duration
		interpolate time.Duration
		origin      string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe and print interpolated positions",
		Long: `Subscribes to the room's observer stream and prints every known
agent's displayed position at a fixed interval. While the link is down
positions coast on their last velocity; on reconnect they are steered
back to the server's positions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			sub := packet.SubscribeMsg{Follow: follow, Proximity: proximity}
			if cmd.Flags().Changed("radius") {
				sub.Radius = &radius
			}
			if cmd.Flags().Changed("x") || cmd.Flags().Changed("z") {
				sub.Viewport = &packet.Point{X: viewX, Z: viewZ}
			}

			opts := client.DefaultOptions()
			if interpolate > 0 {
				opts.InterpolationDuration = interpolate
			}
			rec := client.NewReconciler(opts, clock.Real{}, log)

			var header http.Header
			if origin != "" {
				header = http.Header{"Origin": []string{origin}}
			}
			conn := client.NewConn(client.ConnOptions{
				URL:               url,
				Subscribe:         sub,
				HeartbeatInterval: heartbeat,
				Header:            header,
			}, rec, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			go func() { done <- conn.Run(ctx) }()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				case now := <-ticker.C:
					render(rec, conn, now)
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "ws://127.0.0.1:7070/ws", "observer websocket URL")
	f.StringVar(&follow, "follow", "", "agent id to centre interest on")
	f.Float64Var(&radius, "radius", 0, "interest radius (0 asks for the server maximum)")
	f.Float64Var(&viewX, "x", 0, "viewport centre X")
	f.Float64Var(&viewZ, "z", 0, "viewport centre Z")
	f.BoolVar(&proximity, "proximity", false, "also receive agent-moved events")
	f.DurationVar(&interval, "interval", time.Second, "print interval")
	f.DurationVar(&heartbeat, "heartbeat", time.Second, "server heartbeat interval")
	f.DurationVar(&interpolate, "interpolate", 0, "interpolation duration (default 50ms)")
	f.StringVar(&origin, "origin", "", "Origin header to send")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func render(rec *client.Reconciler, conn *client.Conn, now time.Time) {
	state := "live"
	switch {
	case rec.Coasting():
		state = "coasting"
	case !conn.Connected():
		state = "connecting"
	}
	fmt.Printf("\ntick %d  %s  agents %d\n", rec.Tick(), state, rec.Len())

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tNAME\tACTION\tX\tY\tZ")
	for _, a := range rec.Agents(now) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
			a.AgentID, a.Name, a.Action, a.Position.X, a.Position.Y, a.Position.Z)
	}
	tw.Flush()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
