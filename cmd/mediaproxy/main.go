package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/monoklix/mediaproxy/internal/audit"
	"github.com/monoklix/mediaproxy/internal/config"
	"github.com/monoklix/mediaproxy/internal/redact"
	"github.com/monoklix/mediaproxy/internal/server"
	"github.com/monoklix/mediaproxy/internal/telemetry"
)

const version = "1.3.0"

// resolveAddr picks the listen address with explicit precedence: the -addr
// flag wins, then the PORT environment value, then the configured address.
func resolveAddr(cfgAddr, envPort, flagAddr string) string {
	addr := cfgAddr
	if envPort != "" {
		addr = ":" + envPort
	}
	if flagAddr != "" {
		addr = flagAddr
	}
	return addr
}

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "mediaproxy.yaml", "Path to config file")
	flag.Parse()

	// Load a local .env before the config resolves *_env secrets.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		redact.Logf("skipping .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		redact.Fatalf("failed to load config: %v", err)
	}

	addr := resolveAddr(cfg.Server.Addr, os.Getenv("PORT"), *addrFlag)
	cfg.Server.Addr = addr

	if err := config.Validate(cfg); err != nil {
		redact.Fatalf("invalid config: %v", err)
	}

	tel, err := telemetry.NewProvider(context.Background(), cfg.Telemetry, version)
	if err != nil {
		redact.Fatalf("failed to set up telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	emitter, err := audit.NewFromConfig(cfg.Audit)
	if err != nil {
		redact.Fatalf("failed to set up audit sinks: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		emitter.Close(ctx)
	}()

	srv, err := server.New(cfg, tel, emitter)
	if err != nil {
		redact.Fatalf("failed to build server: %v", err)
	}

	redact.Logf("mediaproxy %s starting on %s", version, addr)
	if err := srv.Start(addr); err != nil {
		redact.Fatalf("server error: %v", err)
	}
}
