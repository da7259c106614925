package commands

import (
	"flag"
	"fmt"

	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

func CreateCheckConfigCommand() *CheckConfigCommand {
	gc := &CheckConfigCommand{
		fs: flag.NewFlagSet("check-config", flag.ExitOnError),
	}

	gc.fs.BoolVar(&gc.SkipDaemon, "offline", false, "Do not resolve tiers against NetworkManager")

	return gc
}

// CheckConfigCommand validates the configuration and prints the effective
// selection policy.
type CheckConfigCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
	cfg *config.Config

	SkipDaemon bool
}

func (g *CheckConfigCommand) Name() string {
	return g.fs.Name()
}

func (g *CheckConfigCommand) Init(args []string, ctx *AppContext) error {
	g.ctx = ctx

	if err := g.fs.Parse(args); err != nil {
		return err
	}

	if cfg, err := loadConfigOrFail(ctx.ConfigPath); err != nil {
		return err
	} else {
		g.cfg = cfg
	}

	return nil
}

func (g *CheckConfigCommand) Run() error {
	if !g.SkipDaemon {
		nm, err := netman.NewDBusManager()
		if err != nil {
			return fmt.Errorf("failed to connect to NetworkManager: %w", err)
		}
		if err := g.cfg.ResolveTiers(nm); err != nil {
			return fmt.Errorf("failed to resolve connection tiers: %w", err)
		}
	}

	log.Infof("Configuration is valid")
	log.Infof("Sticky connection period: %s", g.cfg.StickyConnectionPeriod)
	log.Infof("Connectivity check URL: %s", g.cfg.ConnectivityCheckURL)
	for _, tier := range g.cfg.Tiers {
		log.Infof("Tier %s (priority %d, base metric %d): %v",
			tier.Name, tier.Priority, tier.BaseRouteMetric(), tier.Connections)
	}
	if !g.cfg.HasConnections() {
		log.Warnf("No connections to manage")
	}
	return nil
}
