package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/layerclaw/internal/config"
	"github.com/stellarlinkco/layerclaw/internal/gateway"
	"github.com/stellarlinkco/layerclaw/internal/layered"
)

var rootCmd = &cobra.Command{
	Use:   "layerclaw",
	Short: "layerclaw - layered context engine for long chat sessions",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway (apply/retrieve/status + maintenance flush)",
	RunE:  runServe,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Read an apply request as JSON from stdin, print the result as JSON",
	RunE:  runApply,
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Retrieve layered context for a query against a session's archive",
	RunE:  runRetrieve,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and per-session archive status",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file and storage directories",
	RunE:  runOnboard,
}

var (
	sessionKeyFlag string
	queryFlag      string
)

func init() {
	retrieveCmd.Flags().StringVarP(&sessionKeyFlag, "session", "s", "", "Session key (platform:chatId)")
	retrieveCmd.Flags().StringVarP(&queryFlag, "query", "q", "", "Query text")
	statusCmd.Flags().StringVarP(&sessionKeyFlag, "session", "s", "", "Session key (platform:chatId)")
	rootCmd.AddCommand(serveCmd, applyCmd, retrieveCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

// ApplyIO allows injecting stdin/stdout in tests.
type ApplyIO struct {
	Stdin  io.Reader
	Stdout io.Writer
}

func runApply(cmd *cobra.Command, args []string) error {
	return runApplyWithIO(ApplyIO{})
}

func runApplyWithIO(opts ApplyIO) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	var req layered.ApplyRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("parse apply request: %w", err)
	}
	req.Params = gw.Params()

	result, err := gw.Manager().Apply(context.Background(), req)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	if sessionKeyFlag == "" || queryFlag == "" {
		return fmt.Errorf("both --session and --query are required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	index, err := gw.Store().ReadIndex(sessionKeyFlag)
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}

	result, err := gw.Manager().Retriever().Retrieve(context.Background(), index, queryFlag, gw.Params())
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Storage: %s\n", storageDisplay(cfg))
	fmt.Printf("Compression: enabled=%v\n", cfg.Layered.EnableSessionCompression)
	fmt.Printf("Prompt budget: %d tokens (layered %d)\n",
		cfg.Layered.MaxPromptTokens, gateway.ParamsFromConfig(cfg).LayeredBudget())
	if cfg.Summarizer.APIKey != "" {
		fmt.Printf("Summarizer: %s (key %s)\n", cfg.Summarizer.Model, maskKey(cfg.Summarizer.APIKey))
	} else {
		fmt.Println("Summarizer: key not set")
	}
	if cfg.Dense.BaseURL != "" {
		fmt.Printf("Dense provider: %s strict=%v\n", cfg.Dense.Model, cfg.Dense.StrictMode)
	} else {
		fmt.Println("Dense provider: not configured (sparse-only)")
	}

	if sessionKeyFlag == "" {
		return nil
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	index, err := gw.Store().ReadIndex(sessionKeyFlag)
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	if index == nil {
		fmt.Printf("Session %s: no archive\n", sessionKeyFlag)
		return nil
	}

	baseline := 0
	for i := range index.Nodes {
		baseline += index.Nodes[i].TokenEstimate.L2
	}
	fmt.Printf("Session %s: %d nodes, baseline %d tokens\n", sessionKeyFlag, len(index.Nodes), baseline)
	if index.Root.Abstract != "" {
		fmt.Printf("Abstract: %s\n", index.Root.Abstract)
	}
	if len(index.Root.Keywords) > 0 {
		fmt.Printf("Keywords: %s\n", strings.Join(index.Root.Keywords, ", "))
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.Root, 0755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	fmt.Printf("Storage ready: %s\n", cfg.Storage.Root)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set summarizer credentials\n", cfgPath)
	fmt.Println("  2. Or set LAYERCLAW_API_KEY / LAYERCLAW_BASE_URL")
	fmt.Println("  3. Run 'layerclaw serve' to start the gateway")

	return nil
}

func storageDisplay(cfg *config.Config) string {
	if strings.EqualFold(cfg.Storage.Backend, "sqlite") {
		return "sqlite " + cfg.Storage.DBPath
	}
	return "file " + cfg.Storage.Root
}

func maskKey(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}
