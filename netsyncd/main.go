/*
Netsyncd is the authoritative position sync server.
It accepts clients over reliable UDP and, optionally, WebSocket,
and broadcasts the transforms of all clients every tick.
*/
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fieldline/netsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Command-line flags. Flags that are set override the configuration file.
var (
	configPath string
	port       uint16
	backends   string
	tickRate   int
	adminAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "netsyncd",
	Short: "Authoritative position sync server",
	Long:  `netsyncd accepts game clients, assigns them ids and broadcasts their positions at a fixed tick rate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := netsync.LoadConfig(configPath)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("port") {
			cfg.Server.Port = port
		}
		if flags.Changed("backend") {
			cfg.Server.Backends = strings.Split(backends, ",")
		}
		if flags.Changed("tick-rate") {
			if tickRate <= 0 {
				return fmt.Errorf("tick rate must be positive, got %d", tickRate)
			}
			cfg.Server.TickRate = tickRate
		}
		if flags.Changed("admin") {
			cfg.Admin.Addr = adminAddr
		}

		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.Flags().Uint16VarP(&port, "port", "p", netsync.DefaultPort, "port to listen on")
	rootCmd.Flags().StringVar(&backends, "backend", "udp", "comma separated transports (udp, ws, loopback)")
	rootCmd.Flags().IntVar(&tickRate, "tick-rate", 20, "broadcasts per second")
	rootCmd.Flags().StringVar(&adminAddr, "admin", ":7780", "admin HTTP address, empty to disable")
}

// daemon holds everything that has to be torn down on exit
type daemon struct {
	log     *zap.SugaredLogger
	srv     *netsync.Server
	history *netsync.History
	plugins *netsync.Plugins
	admin   *netsync.Admin
}

func newTransport(names []string) (netsync.ServerTransport, error) {
	var ts []netsync.ServerTransport
	for _, name := range names {
		t, err := netsync.NewServerTransport(strings.TrimSpace(name), nil)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}

	if len(ts) == 1 {
		return ts[0], nil
	}
	return netsync.NewMux(ts...), nil
}

func run(cfg *netsync.Config) error {
	log, err := netsync.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	d := &daemon{log: log}

	t, err := newTransport(cfg.Server.Backends)
	if err != nil {
		return err
	}
	d.srv = netsync.NewServer(t, log.Named("server"))

	if d.history, err = netsync.OpenHistory(cfg.History); err != nil {
		return fmt.Errorf("open session history: %w", err)
	}
	if d.history != nil {
		d.srv.SetHistory(d.history)
	}

	d.plugins = netsync.NewPlugins(d.srv, cfg, d.history, log.Named("lua"))
	if err := d.plugins.Load(cfg.Plugins.Dir); err != nil {
		d.end()
		return err
	}

	if err := d.srv.Start(cfg.Server.Port, cfg.Server.MaxClients); err != nil {
		d.end()
		return err
	}

	if cfg.Admin.Addr != "" {
		d.admin = netsync.NewAdmin(d.srv, d.history, log.Named("admin"))
		if err := d.admin.ListenAndServe(cfg.Admin.Addr); err != nil {
			d.end()
			return fmt.Errorf("admin: %w", err)
		}
	}

	quit := notifyOnSignal(log)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.Server.TickRate))
	defer ticker.Stop()

	log.Infow("running", "tick_rate", cfg.Server.TickRate, "backends", cfg.Server.Backends)

	for {
		select {
		case now := <-ticker.C:
			d.srv.Tick()
			d.plugins.RunTimers(now)
		case <-quit:
			d.end()
			return nil
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
