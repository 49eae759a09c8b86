package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/provider"
	"github.com/TONresistor/teleton-agent-sub000/internal/store"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Teleton installation",
		Long: `Verifies that the configuration, storage, Telegram token and response
provider are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Teleton Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'teleton init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("1 check(s) failed")
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := checkStorage(ctx, cfg); err != nil {
				printFail("Storage", err.Error())
				failed++
			} else {
				printPass("Storage", fmt.Sprintf("%s schema v%d", cfg.Storage.Driver, store.LatestSchemaVersion()))
				passed++
			}

			if cfg.Telegram.Token == "" {
				printFail("Telegram token", "telegram.token is empty")
				failed++
			} else {
				printPass("Telegram token", "set")
				passed++
			}

			if cfg.Provider.APIKey == "" {
				printWarn("Provider", "provider.apiKey is empty")
				warned++
			} else if !offline {
				p := provider.NewOpenAI(provider.OpenAIConfig{
					APIKey:  cfg.Provider.APIKey,
					APIBase: cfg.Provider.APIBase,
					Timeout: 10 * time.Second,
					Logger:  logger,
				})
				if err := p.Healthy(ctx); err != nil {
					printFail("Provider", err.Error())
					failed++
				} else {
					printPass("Provider", cfg.Provider.APIBase)
					passed++
				}
			}

			if cfg.Transcription.Enabled && cfg.Transcription.APIKey == "" {
				printWarn("Transcription", "enabled but transcription.apiKey is empty")
				warned++
			}

			if cfg.Metrics.Enabled {
				addr := net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port))
				if err := checkPort(addr); err != nil {
					printWarn("Metrics port", fmt.Sprintf("%s may be in use: %v", addr, err))
					warned++
				} else {
					printPass("Metrics port", addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Teleton.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nTeleton should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Teleton is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call external APIs")
	return cmd
}

// checkStorage opens the configured stores, which applies migrations,
// and round-trips the offsets backend.
func checkStorage(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()

	if err := st.db.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	v, err := st.db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != store.LatestSchemaVersion() {
		return fmt.Errorf("schema version %d, want %d", v, store.LatestSchemaVersion())
	}
	if _, err := st.offsets.ListOffsets(ctx); err != nil {
		return fmt.Errorf("offsets not readable: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
