package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/maksimkurb/nm-failover/lib/commands"
	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/log"
)

func main() {
	ctx := &commands.AppContext{}

	// Define flags
	flag.StringVar(&ctx.ConfigPath, "config", config.DefaultConfigPath, "Path to configuration file")
	flag.BoolVar(&ctx.Verbose, "verbose", false, "Enable debug logging")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "WAN Failover Connection Manager\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run                     Run the failover manager loop\n")
		fmt.Fprintf(os.Stderr, "  check-config            Validate configuration and print the effective tiers\n")
		fmt.Fprintf(os.Stderr, "  interfaces              Get available interfaces list\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if ctx.Verbose {
		log.SetVerbose(true)
	}

	cmds := []commands.Runner{
		commands.CreateRunCommand(),
		commands.CreateCheckConfigCommand(),
		commands.CreateInterfacesCommand(),
	}

	args := flag.Args()

	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	subcommand := args[0]
	for _, cmd := range cmds {
		if cmd.Name() == subcommand {
			if err := cmd.Init(args[1:], ctx); err != nil {
				exitOnError(err)
			}

			if err := cmd.Run(); err != nil {
				exitOnError(err)
			}

			os.Exit(0)
		}
	}

	log.Fatalf("Unknown subcommand: %s", subcommand)
}

func exitOnError(err error) {
	log.Errorf("%v", err)
	if errors.Is(err, config.ErrImproperlyConfigured) {
		os.Exit(commands.ExitNotConfigured)
	}
	os.Exit(1)
}
