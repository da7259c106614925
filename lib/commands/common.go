package commands

import (
	"fmt"

	"github.com/maksimkurb/nm-failover/lib/config"
)

// ExitNotConfigured is returned to the OS when the configuration file is
// missing or invalid.
const ExitNotConfigured = 6

type Runner interface {
	Init(args []string, globalArgs *AppContext) error
	Run() error
	Name() string
}

type AppContext struct {
	ConfigPath string
	Verbose    bool
}

func loadConfigOrFail(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
