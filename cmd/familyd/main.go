// Package main is the CLI entry point for familyd.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/config"
	"github.com/familyshield/familyd/internal/daemon"
	"github.com/familyshield/familyd/internal/filter"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "familyd",
	Short: "Family policy daemon - mediates app, command and content access",
	Long: `familyd is the trusted policy core for a multi-role household.
It makes allow/deny decisions for monitored actions, tracks per-profile
time budgets, runs the parent-approval workflow, and watches its monitor
processes for tampering or silence.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the policy daemon",
	Long: `Starts the daemon: opens the encrypted profile store, binds the
gateway socket, and runs the approval-expiry and liveness sweeps until
terminated.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Reports whether the daemon socket is reachable and shows the active profile and pending approvals.`,
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check [command...]",
	Short: "Classify a command against the terminal rules",
	Long: `Runs the terminal classifier over a command line and prints the
verdict. Rule debugging aid; no profile policy is applied, so anything
not denied outright shows as needs_approval.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/familyd/config.yaml", "Config file path")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// socketClient returns an HTTP client dialing the daemon's unix socket.
func socketClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// call performs one gateway dispatch as the given role. The error covers
// transport failures only; HTTP-level outcomes ride the status code.
func call(client *http.Client, role, method string, args map[string]any) (json.RawMessage, int, error) {
	body, _ := json.Marshal(map[string]any{"method": method, "args": args})
	req, err := http.NewRequest(http.MethodPost, "http://familyd/v1/call", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Familyd-Role", role)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== familyd Status ===")

	client := socketClient(cfg.SocketPath)
	active, status, err := call(client, "root", "get_active_profile", nil)
	if err != nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Printf("        (%v)\n", err)
		fmt.Println("\nRun 'familyd serve' to start the daemon.")
		return nil
	}

	fmt.Println("Status: RUNNING")

	if status == http.StatusOK {
		var profile struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		}
		if json.Unmarshal(active, &profile) == nil && profile.ID != "" {
			fmt.Printf("Active profile: %s (%s)\n", profile.DisplayName, profile.ID)
		}
	} else {
		fmt.Println("Active profile: none")
	}

	pending, status, err := call(client, "root", "list_pending_requests", nil)
	if err == nil && status == http.StatusOK {
		var requests []json.RawMessage
		if json.Unmarshal(pending, &requests) == nil {
			fmt.Printf("Pending approvals: %d\n", len(requests))
		}
	}

	fmt.Println("======================")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	command := strings.Join(args, " ")
	verdict := filter.NewTerminal(logger).Classify(command, nil)
	fmt.Printf("\nCommand:  %s\n", command)
	fmt.Printf("Decision: %s\n", verdict.Decision)
	if verdict.Reason != "" {
		fmt.Printf("Reason:   %s\n", verdict.Reason)
	}
	if verdict.Rule != "" {
		fmt.Printf("Rule:     %s\n", verdict.Rule)
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("familyd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
}
