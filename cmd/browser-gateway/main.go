// ABOUTME: Entry point for the browser-gateway server
// ABOUTME: Serves browser-automation sessions to clients and bridges them to a controller

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/browser-gateway/internal/client"
	"github.com/2389/browser-gateway/internal/config"
	"github.com/2389/browser-gateway/internal/gateway"
	"github.com/2389/browser-gateway/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                                  _
| |__  _ __ _____      _____  ___ _ __      __ _ __ _| |_ _____      ____ _ _   _
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__|____/ _' / _' | __/ _ \ \ /\ / / _' | | | |
| |_) | | | (_) \ V  V /\__ \  __/ | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_.__/|_|  \___/ \_/\_/ |___/\___|_|       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                           |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: browser-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gateway server")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  health     Check gateway health")
		fmt.Println("  sessions   List live sessions and recent history")
		fmt.Println("  send       Open a session and run one message")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, string, bool, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), configPath, false, nil
	}
	if err != nil {
		return nil, configPath, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, true, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, found, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Clients:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Controller: %s\n", cfg.Server.ControllerAddr)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:   %d max, agent %s\n", cfg.Capacity.MaxSessions, cfg.Agent.Kind)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("History:    %s\n", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting browser-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"controller_addr", cfg.Server.ControllerAddr,
		"max_sessions", cfg.Capacity.MaxSessions,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// gatewayClient builds a client for the gateway named by the local config.
func gatewayClient() (*client.Client, error) {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server.HTTPAddr)
}

func runHealth(ctx context.Context) error {
	c, err := gatewayClient()
	if err != nil {
		return err
	}

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	status := color.GreenString(health.Status)
	if health.Status != "ok" {
		status = color.YellowString(health.Status)
	}
	fmt.Printf("status:     %s\n", status)
	fmt.Printf("uptime:     %s\n", (time.Duration(health.Uptime) * time.Second).String())
	fmt.Printf("sessions:   %d/%d active (%d processing, %d idle)\n",
		health.Sessions.Active, health.Sessions.Max, health.Sessions.Processing, health.Sessions.Idle)
	fmt.Printf("controller: connected=%t standby=%d pending=%d\n",
		health.Controller.Connected, health.Controller.Standby, health.Controller.Pending)
	return nil
}

// runSend opens a session, sends one message and prints every frame of the turn.
func runSend(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: browser-gateway send <message>")
	}
	c, err := gatewayClient()
	if err != nil {
		return err
	}

	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("%s %s\n", color.CyanString("session"), s.ID)

	frames, err := s.Turn(ctx, strings.Join(args, " "))
	for _, f := range frames {
		printFrame(f)
	}
	return err
}

func printFrame(f client.Frame) {
	label := color.New(color.FgBlue).Sprintf("%-12s", f.Type)
	switch {
	case f.Error != "":
		fmt.Printf("%s %s\n", color.RedString("%-12s", f.Type), f.Error)
	case len(f.Content) > 0 && len(f.Metadata) > 0:
		fmt.Printf("%s %s %s\n", label, f.Content, color.HiBlackString(string(f.Metadata)))
	case len(f.Content) > 0:
		fmt.Printf("%s %s\n", label, f.Content)
	default:
		fmt.Println(label)
	}
}

func runSessions(ctx context.Context) error {
	c, err := gatewayClient()
	if err != nil {
		return err
	}

	out, err := c.Sessions(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing sessions failed: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Active")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tMESSAGES\tLAST ACTIVITY")
	for _, s := range out.Active {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.State, s.MessageCount, s.LastActivityAt.Local().Format(time.Kitchen))
	}
	_ = w.Flush()

	if len(out.History) == 0 {
		return nil
	}

	fmt.Println()
	cyan.Println("History")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPENED\tCLOSED\tREASON\tMESSAGES")
	for _, r := range out.History {
		closed := "-"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.OpenedAt.Local().Format(time.DateTime), closed, r.CloseReason, r.MessageCount)
	}
	return w.Flush()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("browser-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultDBPath := filepath.Join(config.DataPath(), "history.db")

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "Client address", config.DefaultHTTPAddr)
	controllerAddr := prompt(reader, "Controller address", config.DefaultControllerAddr)

	fmt.Println("\n--- Capacity ---")
	maxSessions := prompt(reader, "Maximum concurrent sessions", fmt.Sprint(config.DefaultMaxSessions))
	idleTimeout := prompt(reader, "Idle timeout", config.DefaultIdleTimeout.String())

	fmt.Println("\n--- Agent ---")
	agentKind := prompt(reader, "Agent kind (direct/process)", config.AgentDirect)
	var agentCommand string
	if agentKind == config.AgentProcess {
		agentCommand = prompt(reader, "Agent command", "")
	}

	fmt.Println("\n--- Session History ---")
	dbPath := prompt(reader, "SQLite database path (empty disables history)", defaultDBPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "browser-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (color/text/json)", "color")
	logFile := prompt(reader, "Log file (empty logs to stdout)", "")

	var cfg strings.Builder
	cfg.WriteString("# browser-gateway configuration\n")
	cfg.WriteString("# Generated by browser-gateway init\n\n")

	cfg.WriteString("server:\n")
	if !tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
		cfg.WriteString(fmt.Sprintf("  controller_addr: %q\n", controllerAddr))
	}
	cfg.WriteString("  admission_rate: 0\n")
	cfg.WriteString("\n")

	cfg.WriteString("capacity:\n")
	cfg.WriteString(fmt.Sprintf("  max_sessions: %s\n", maxSessions))
	cfg.WriteString(fmt.Sprintf("  idle_timeout: %q\n", idleTimeout))
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval.String()))
	cfg.WriteString(fmt.Sprintf("  event_gap_timeout: %q\n", config.DefaultEventGapTimeout.String()))
	cfg.WriteString("\n")

	cfg.WriteString("controller:\n")
	cfg.WriteString(fmt.Sprintf("  request_timeout: %q\n", config.DefaultRequestTimeout.String()))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  kind: %q\n", agentKind))
	if agentCommand != "" {
		cfg.WriteString(fmt.Sprintf("  command: %q\n", agentCommand))
	}
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	if logFile != "" {
		cfg.WriteString(fmt.Sprintf("  file: %q\n", logFile))
	}

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  browser-gateway serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
