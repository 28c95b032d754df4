package main

import (
	"flag"
	"os"

	"go.uber.org/fx"

	"github.com/Rajchodisetti/signal-engine/internal/app"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

var version = "dev" // set via -ldflags "-X main.version=..."

func main() {
	cfgPath := flag.String("config", os.Getenv("SIGNAL_ENGINE_CONFIG"), "path to the YAML config")
	flag.Parse()

	observ.SetVersion(version)
	defer observ.Sync()

	fxApp := fx.New(app.Options(*cfgPath))
	if err := fxApp.Err(); err != nil {
		observ.LogError("startup_failed", err, nil)
		observ.Sync()
		os.Exit(1)
	}
	fxApp.Run()
}
