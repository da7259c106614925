package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maksimkurb/nm-failover/lib/api"
	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/engine"
	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/mirror"
	"github.com/maksimkurb/nm-failover/lib/modem"
	"github.com/maksimkurb/nm-failover/lib/netman"
	"github.com/maksimkurb/nm-failover/lib/prober"
)

func CreateRunCommand() *RunCommand {
	gc := &RunCommand{
		fs: flag.NewFlagSet("run", flag.ExitOnError),
	}
	return gc
}

// RunCommand is the failover manager daemon loop.
type RunCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
	cfg *config.Config
}

func (g *RunCommand) Name() string {
	return g.fs.Name()
}

func (g *RunCommand) Init(args []string, ctx *AppContext) error {
	g.ctx = ctx

	if err := g.fs.Parse(args); err != nil {
		return err
	}

	if cfg, err := loadConfigOrFail(ctx.ConfigPath); err != nil {
		return err
	} else {
		g.cfg = cfg
	}

	if g.cfg.Debug {
		log.SetVerbose(true)
	}

	return nil
}

func (g *RunCommand) Run() error {
	nm, err := netman.NewDBusManager()
	if err != nil {
		return fmt.Errorf("failed to connect to NetworkManager: %w", err)
	}

	if err := g.cfg.ResolveTiers(nm); err != nil {
		return fmt.Errorf("failed to resolve connection tiers: %w", err)
	}
	if !g.cfg.HasConnections() {
		log.Infof("Nothing to manage")
		return nil
	}

	var mm modem.Manager
	if dbusMM, err := modem.NewDBusManager(); err != nil {
		log.Warnf("Unable to initialize ModemManager, GSM connections that need a SIM slot switch will be unavailable (%v)", err)
	} else {
		mm = dbusMM
	}

	manager := engine.NewConnectionManager(nm, mm, g.cfg, prober.NewProber())

	snapshots := make(chan *engine.Snapshot, 1)
	stop := make(chan struct{})
	defer close(stop)

	if g.cfg.MQTTBrokerURL != "" {
		if mr, err := mirror.NewMirror(g.cfg.MQTTBrokerURL, nm); err != nil {
			log.Warnf("MQTT mirror unavailable: %v", err)
		} else {
			go mr.Run(snapshots, manager.Events(), stop)
		}
	}

	if g.cfg.StatusAPIListen != "" {
		server := api.NewServer(g.cfg.StatusAPIListen, manager)
		go func() {
			if err := server.Start(); err != nil {
				log.Errorf("Status API failed: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		manager.CycleLoop()
		select {
		case snapshots <- manager.Snapshot():
		default:
		}

		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				g.reloadConfig(nm, manager)
				continue
			}
			log.Infof("Received %s, shutting down", sig)
			return nil
		case <-time.After(engine.CheckPeriod):
		}
	}
}

// reloadConfig re-reads the configuration at a tick boundary. An invalid
// file keeps the running configuration.
func (g *RunCommand) reloadConfig(nm netman.Manager, manager *engine.ConnectionManager) {
	newCfg, err := config.LoadConfig(g.ctx.ConfigPath)
	if err != nil {
		log.Errorf("Configuration reload failed, keeping current one: %v", err)
		return
	}
	if err := newCfg.ResolveTiers(nm); err != nil {
		log.Errorf("Configuration reload failed, keeping current one: %v", err)
		return
	}
	log.SetVerbose(newCfg.Debug || g.ctx.Verbose)
	manager.ReloadConfig(newCfg)
	g.cfg = newCfg
	log.Infof("Configuration reloaded")
}
