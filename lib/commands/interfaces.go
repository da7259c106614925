package commands

import (
	"flag"

	"github.com/maksimkurb/nm-failover/lib/netman"
)

func CreateInterfacesCommand() *InterfacesCommand {
	gc := &InterfacesCommand{
		fs: flag.NewFlagSet("interfaces", flag.ExitOnError),
	}
	return gc
}

// InterfacesCommand prints the host interface list.
type InterfacesCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
}

func (g *InterfacesCommand) Name() string {
	return g.fs.Name()
}

func (g *InterfacesCommand) Init(args []string, ctx *AppContext) error {
	g.ctx = ctx
	return g.fs.Parse(args)
}

func (g *InterfacesCommand) Run() error {
	ifaces, err := netman.GetInterfaceList()
	if err != nil {
		return err
	}
	netman.PrintInterfaces(ifaces)
	return nil
}
