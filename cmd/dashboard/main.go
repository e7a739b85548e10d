// Package main provides the entry point for the dashboard sync service,
// the management companion to a self-hosted CLI proxy. It serves provider
// CRUD, the OAuth claim flow, and the served-model catalog, reconciling
// every change against the proxy's provider list.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/cmd"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	fmt.Printf("CLIProxy Dashboard Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var configPath string
	var port int
	var debug bool
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.IntVar(&port, "port", 0, "Override the listen port from the config file")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}
	if port > 0 {
		cfg.Port = port
	}
	if debug {
		cfg.Debug = true
	}

	logging.SetupBaseLogger(cfg.Debug)

	cmd.StartService(cfg)
}
