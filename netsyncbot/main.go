/*
Netsyncbot is a headless client that walks its player in a circle
and reports the remote players it sees. It is used to load test
and smoke test a netsyncd instance.
*/
package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/netsync"
	"github.com/spf13/cobra"
)

var (
	configPath string
	host       string
	port       uint16
	backend    string
	ticks      int
	radius     float64
	tickRate   int
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "netsyncbot",
	Short: "Headless netsync client",
	Long:  `netsyncbot connects to a netsyncd server, walks a player in a circle and logs the remote players it sees.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tickRate <= 0 {
			return fmt.Errorf("tick rate must be positive, got %d", tickRate)
		}

		cfg, err := loadConfig(cmd.Flags().Changed)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.Flags().StringVar(&host, "host", netsync.DefaultHost, "server host")
	rootCmd.Flags().Uint16VarP(&port, "port", "p", netsync.DefaultPort, "server port")
	rootCmd.Flags().StringVar(&backend, "backend", "udp", "transport (udp or ws)")
	rootCmd.Flags().IntVar(&ticks, "ticks", 0, "number of ticks to run, 0 runs until interrupted")
	rootCmd.Flags().Float64Var(&radius, "radius", 5, "radius of the walked circle")
	rootCmd.Flags().IntVar(&tickRate, "tick-rate", 20, "updates per second")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
}

// loadConfig reads the configuration file.
// Flags that are set override its client and log sections.
func loadConfig(changed func(name string) bool) (*netsync.Config, error) {
	cfg, err := netsync.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if changed("host") {
		cfg.Client.Host = host
	}
	if changed("port") {
		cfg.Client.Port = port
	}
	if changed("backend") {
		cfg.Client.Backend = backend
	}
	if changed("log-level") {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}

// circle returns the transform of a walker at angle a,
// facing along the circle
func circle(a, r float64) netsync.Transform {
	yaw := a + math.Pi/2
	return netsync.Transform{
		PosX: float32(r * math.Cos(a)),
		PosZ: float32(r * math.Sin(a)),
		RotW: float32(math.Cos(yaw / 2)),
		RotY: float32(math.Sin(yaw / 2)),
	}
}

func run(cfg *netsync.Config) error {
	log, err := netsync.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer netsync.Shutdown()

	t, err := netsync.NewTransport(cfg.Client.Backend, nil)
	if err != nil {
		return err
	}

	clt := netsync.NewClient(t, log.Named("client"))
	defer clt.Close()

	world := netsync.NewMemWorld()
	player := world.AddLocalPlayer("local_player", 1)
	sync := netsync.NewSyncSystem(cfg.Client.RemotePrefab, log.Named("sync"))

	if err := clt.Connect(cfg.Client.Host, cfg.Client.Port); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	dt := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(dt)
	defer ticker.Stop()

	var (
		angle   float64
		remotes int
	)
	for n := 0; ticks == 0 || n < ticks; n++ {
		select {
		case <-ticker.C:
		case <-sig:
			log.Info("interrupted")
			return nil
		}

		clt.Poll(0)

		angle += dt.Seconds()
		player.SetTransform(circle(angle, radius))
		sync.Update(world, clt)
		world.Collect()

		seen := 0
		for _, e := range world.Entities() {
			if !e.Sync().IsLocalPlayer && e.Active() {
				seen++
			}
		}
		if seen != remotes {
			remotes = seen
			log.Infow("remote players", "count", seen, "local_id", clt.LocalClientID())
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
