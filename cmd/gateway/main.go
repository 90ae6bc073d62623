// Package main runs the gateway server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/format"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gateway"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/modules"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/server"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
	"github.com/leviathofnoesia/kraken-code-sub001/pkg/redis"
)

const version = "1.0.0"

func main() {
	var (
		configPath string
		host       string
		port       int
		debug      bool
	)

	root := &cobra.Command{
		Use:     "kraken-gateway",
		Short:   "OpenAI-compatible gateway for the Antigravity Cloud Code backend",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if debug {
				cfg.Debug = true
			}
			return run(cfg)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	root.Flags().StringVar(&host, "host", "127.0.0.1", "Bind address")
	root.Flags().IntVarP(&port, "port", "p", 8787, "Server port")
	root.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	utils.SetDebug(cfg.Debug)

	store := storage.NewStore(cfg.CredentialFile)
	manager, err := account.NewManager(store)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if manager.Len() == 0 {
		utils.Warn("[Startup] No accounts configured. Run \"kraken-accounts login\" first.")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v), signature cache stays in memory", err)
			redisClient = nil
		}
	}

	// No client timeout: streaming responses stay open for minutes.
	httpClient := &http.Client{}
	resolver := auth.NewProjectResolver(httpClient)
	signatures := format.NewSignatureCache(redisClient)
	orch := gateway.NewOrchestrator(httpClient, manager, resolver, signatures)

	var stats *modules.UsageStats
	if cfg.StatsDB != "" {
		stats, err = modules.NewUsageStats(cfg.StatsDB)
		if err != nil {
			utils.Warn("[Startup] Usage stats disabled: %v", err)
			stats = nil
		}
	}

	srv := server.New(cfg, manager, orch, stats)
	printBanner(cfg, manager)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		utils.Info("[Server] Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("[Server] Forced shutdown: %v", err)
	}
	if stats != nil {
		_ = stats.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	utils.Success("[Server] Stopped")
	return nil
}

func printBanner(cfg *config.Config, manager *account.Manager) {
	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║                 Kraken Code Gateway v` + version + `                    ║
╠══════════════════════════════════════════════════════════════╣`)
	fmt.Printf("║  Listening on: http://%s:%-29d ║\n", displayHost, cfg.Port)
	fmt.Printf("║  Accounts: %-49d ║\n", manager.Len())
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/chat/completions - OpenAI Chat Completions       ║")
	fmt.Println("║    POST /v1/messages         - Messages surface              ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health and account status     ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add Google accounts:                                        ║")
	fmt.Println("║    kraken-accounts login                                     ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
