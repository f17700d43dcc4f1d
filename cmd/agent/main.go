package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/compute-swarm/agent/internal/config"
	"github.com/compute-swarm/agent/internal/executor"
	"github.com/compute-swarm/agent/internal/handlers"
	"github.com/compute-swarm/agent/internal/p2p"
	"github.com/compute-swarm/agent/internal/services"
	"github.com/compute-swarm/agent/internal/storage"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Compute Swarm Agent - Decentralized job auction and execution node",
		Long:  `A swarm agent that announces, bids on, and executes compute jobs with checkpoint-based fault tolerance and no central coordinator.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(checkpointsCmd())
	rootCmd.AddCommand(trustCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new swarm agent",
		Long:  `Initialize a new swarm agent by creating its data directory, database, and default configuration.`,
		RunE:  runInit,
	}

	cmd.Flags().String("name", "", "Node name (required)")
	cmd.Flags().StringSlice("capabilities", []string{"cpu"}, "Node capabilities advertised in bids")
	cmd.Flags().Int("max-jobs", 5, "Maximum concurrent jobs")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
	maxJobs, _ := cmd.Flags().GetInt("max-jobs")

	cfg = config.DefaultConfig()
	cfg.Node.Name = name
	cfg.Node.Capabilities = capabilities
	cfg.Node.MaxJobs = maxJobs

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	db, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if err := migrate(db); err != nil {
		return err
	}

	configPath := "config.toml"
	if cfgFile != "" {
		configPath = cfgFile
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Swarm agent initialized successfully!\n")
	fmt.Printf("Node name: %s\n", name)
	fmt.Printf("Data dir:  %s\n", cfg.Node.DataDir)
	fmt.Printf("Config saved to: %s\n", configPath)

	return nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the swarm agent",
		Long:  `Start the swarm agent and begin participating in job auctions.`,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = loadConfig()
	if err != nil {
		return err
	}

	db, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if err := migrate(db); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := p2p.NewNode(p2p.NodeConfig{
		ListenAddresses: cfg.P2P.ListenAddresses,
		BootstrapPeers:  cfg.P2P.BootstrapPeers,
		Topic:           cfg.P2P.Topic,
	})
	if err != nil {
		return fmt.Errorf("failed to create P2P node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer node.Close()

	swarm, err := services.NewSwarm(cfg, node, db)
	if err != nil {
		return fmt.Errorf("failed to create swarm service: %w", err)
	}

	registerBuiltinRunners(swarm.Registry())

	go func() {
		if err := swarm.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Swarm service stopped: %v", err)
		}
	}()

	router := handlers.NewRouter(swarm, cfg.API.JWTSecret)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler: router,
	}
	go func() {
		log.Printf("API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server stopped: %v", err)
		}
	}()

	log.Printf("Swarm agent started with Peer ID: %s", node.IDString())
	log.Printf("Listening on:")
	for _, addr := range node.Addrs() {
		log.Printf("  %s", addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down swarm agent...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown failed: %v", err)
	}

	return nil
}

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage stored checkpoints",
		Long:  `List checkpoints persisted by this node's executor.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			swarm, db, err := openOffline()
			if err != nil {
				return err
			}
			defer db.Close()

			checkpoints, err := swarm.Checkpoints().List()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}

			fmt.Printf("Stored Checkpoints (%d total):\n", len(checkpoints))
			fmt.Printf("%-36s %-8s %-10s %-20s %-25s\n", "JOB ID", "ATTEMPT", "PROGRESS", "STEP", "CREATED")
			for _, cp := range checkpoints {
				fmt.Printf("%-36s %-8d %-10.2f %-20s %-25s\n",
					cp.JobID, cp.Attempt, cp.Progress, cp.CurrentStep, cp.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect the local trust ledger",
		Long:  `List this node's locally computed trust scores for its peers.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all known peer trust records",
		RunE: func(cmd *cobra.Command, args []string) error {
			swarm, db, err := openOffline()
			if err != nil {
				return err
			}
			defer db.Close()

			records := swarm.Ledger().Snapshot()
			fmt.Printf("Peer Trust Records (%d total):\n", len(records))
			fmt.Printf("%-56s %-8s %-25s\n", "PEER ID", "SCORE", "QUARANTINED UNTIL")
			for _, rec := range records {
				quarantine := "-"
				if rec.Quarantined(time.Now()) {
					quarantine = rec.QuarantineUntil.Format(time.RFC3339)
				}
				fmt.Printf("%-56s %-8.3f %-25s\n", rec.PeerID, rec.Score, quarantine)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

// openOffline builds a swarm service over the local database without joining
// the network, for read-only inspection commands.
func openOffline() (*services.Swarm, *storage.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	node, err := p2p.NewNode(p2p.NodeConfig{Topic: cfg.P2P.Topic})
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	swarm, err := services.NewSwarm(cfg, node, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return swarm, db, nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfgFile = "config.toml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// migrate prefers the on-disk migration files and falls back to the inline
// baseline schema when they are not shipped alongside the binary.
func migrate(db *storage.DB) error {
	if _, err := os.Stat(cfg.Checkpoint.MigrationsPath); err == nil {
		if err := db.Migrate(cfg.Checkpoint.MigrationsPath, cfg.DatabasePath()); err != nil {
			log.Printf("Warning: migrations failed, applying baseline schema: %v", err)
			return db.MigrateInline()
		}
		return nil
	}
	return db.MigrateInline()
}

// registerBuiltinRunners binds the job types this agent can execute out of
// the box. "sleep" simulates long-running stepped work and exercises the
// checkpoint path end to end.
func registerBuiltinRunners(registry *executor.Registry) {
	registry.Register("sleep", executor.RunnerFunc(
		func(ctx context.Context, ec *executor.Context) (map[string]interface{}, error) {
			steps := 10
			if v, ok := ec.State("steps"); ok {
				if n, ok := v.(float64); ok && n > 0 {
					steps = int(n)
				}
			} else {
				ec.SetState("steps", float64(steps))
			}

			for i := 1; i <= steps; i++ {
				step := fmt.Sprintf("sleep-%d", i)
				if ec.WasStepCompleted(step) {
					continue
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
				}
				ec.SetProgress(float64(i) / float64(steps))
				if err := ec.RecordResult(step, time.Now().Format(time.RFC3339)); err != nil {
					return nil, err
				}
			}
			return map[string]interface{}{"slept_steps": steps}, nil
		}))
}
