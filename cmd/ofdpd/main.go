// Command ofdpd is the reference daemon entrypoint: it wires a
// datapath.Registry, a forwarding.Engine, and a controlchannel
// Dispatcher/Transport together and serves the control channel over a
// unix domain socket.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidcawork/openflow/controlchannel"
	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/forwarding"
	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/pipeline"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ofdpd",
	Short: "OpenFlow 1.0 datapath core reference daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("ofdpd %s (commit %s, built %s)\n", version, commit, buildTime)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the datapath core and serve the control channel",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "ofdpd: ", log.LstdFlags)

	netMgr, err := newNetManager(logger)
	if err != nil {
		return err
	}

	engine := &forwarding.Engine{Logger: logger}
	notify := &controlchannel.Notifications{}
	engine.Notifier = notify

	params := datapath.ModuleParams{
		Manufacturer: cfg.Manufacturer,
		Hardware:     cfg.Hardware,
		Software:     cfg.Software,
		Serial:       cfg.Serial,
	}

	registry := datapath.NewRegistry(netMgr, datapath.Config{
		Params:              params,
		MaintenanceInterval: cfg.maintenanceInterval(),
		MissSendLen:         cfg.MissSendLen,
		Logger:              logger,
		Hooks: datapath.Hooks{
			PortAdded: func(dp *datapath.Datapath, p *datapath.Port) {
				hook := &forwarding.Hook{Engine: engine}
				if err := hook.Attach(context.Background(), dp, p); err != nil {
					logger.Printf("attach ingress hook for %s: %v", p.Iface.Name(), err)
				}
			},
		},
	}, func(dp *datapath.Datapath, ev pipeline.RemovedEvent) {
		notify.NotifyFlowRemoved(dp, ev)
	})

	dispatcher := &controlchannel.Dispatcher{
		Registry: registry,
		Engine:   engine,
		NetMgr:   netMgr,
		Notify:   notify,
		Params:   params,
		Logger:   logger,
	}
	transport := controlchannel.NewTransport(dispatcher, logger)
	notify.Transport = transport

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Remove(cfg.ListenSocket)
	ln, err := net.Listen("unix", cfg.ListenSocket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenSocket, err)
	}
	defer ln.Close()

	logger.Printf("listening on %s", cfg.ListenSocket)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				registry.Shutdown()
				return nil
			default:
				return err
			}
		}
		go func() {
			if err := transport.Serve(ctx, conn); err != nil {
				logger.Printf("session ended: %v", err)
			}
		}()
	}
}

// newNetManager picks the real rtnetlink/AF_PACKET backend on Linux
// and falls back to an empty Fake elsewhere, matching the pattern
// other daemons in this pack use for OS-specific backends.
func newNetManager(logger *log.Logger) (netif.Manager, error) {
	if runtime.GOOS != "linux" {
		logger.Printf("using in-memory network manager (non-linux host)")
		return netif.NewFake(), nil
	}

	mgr, err := netif.NewLinuxManager()
	if err != nil {
		return nil, fmt.Errorf("open linux network manager: %w", err)
	}
	return mgr, nil
}
