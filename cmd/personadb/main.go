package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"personadb/internal/app"
	"personadb/pkg/banner"
	"personadb/pkg/config"
	"personadb/pkg/logger"
	"personadb/pkg/shutdown"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	addr, dbPath, cfgPath, setFlags := config.ParseCommandFlags()
	cfgPath = config.ResolveConfigPath(cfgPath, setFlags["config"])

	cfg, backendKeys, signingKeys, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		logger.Init()
		shutdown.Abort("load config", err, dbPath, 0)
	}
	logger.InitWithLevel(cfg.Logging.Level)
	config.SetRuntime(&config.RuntimeConfig{BackendKeys: backendKeys, SigningKeys: signingKeys})

	// explicit flags win over file and env values
	if !setFlags["addr"] && (cfg.Server.Address != "" || cfg.Server.Port != 0) {
		addr = cfg.Addr()
	}
	if !setFlags["db"] && cfg.Server.DBPath != "" {
		dbPath = cfg.Server.DBPath
	}

	source := cfgPath
	if envUsed {
		source = cfgPath + " + env"
	}
	banner.Print(cfg, addr, dbPath, source, version)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := app.Run(ctx, cfg, app.Options{Addr: addr, DBPath: dbPath, Version: version}); err != nil {
		shutdown.Abort("server run", err, dbPath, 0)
	}
	logger.Info("shutdown_complete")
	os.Exit(0)
}
