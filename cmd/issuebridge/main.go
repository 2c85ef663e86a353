package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"issuebridge/internal/kernel"
	"issuebridge/pkg/config"
	"issuebridge/pkg/logx"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to configuration file")
		projectDir  = flag.String("projectdir", ".", "Project directory (holds the encrypted secrets file)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("issuebridge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *projectDir))
}

// run contains the main application logic and returns an exit code so that
// defers execute before the process exits.
func run(configPath, projectDir string) int {
	logger := logx.NewLogger("main")

	if err := loadSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to assemble bridge: %v\n", err)
		return 1
	}

	k.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %v, shutting down", sig)

	k.Stop(context.Background())
	return 0
}

// loadSecrets decrypts the project's secrets file when one exists. The
// password comes from BRIDGE_SECRETS_PASSWORD, or an interactive prompt when
// running on a terminal.
func loadSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	password := os.Getenv("BRIDGE_SECRETS_PASSWORD")
	if password == "" {
		if !term.IsTerminal(syscall.Stdin) {
			return fmt.Errorf("secrets file present but BRIDGE_SECRETS_PASSWORD is not set")
		}
		fmt.Print("Secrets password: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	config.SetLoadedSecrets(secrets)
	return nil
}
