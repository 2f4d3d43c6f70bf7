// Herald is a capability-dispatch daemon with a console front end.
//
// Requests are routed against a registry of keyword-triggered
// capabilities, executed with retry and backoff, and aggregated into a
// single response. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); without
// one, Herald runs with built-in demo capabilities.
//
// Usage:
//
//	herald repl              Start the interactive console
//	herald init [dir]        Write an example herald.yaml
//	herald ask <request>     Dispatch a single request and print the response
//	herald version           Print version and build information
//	herald -o json ask ...   Output the full response as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/melvinsewak/herald/internal/buildinfo"
	"github.com/melvinsewak/herald/internal/capability"
	"github.com/melvinsewak/herald/internal/config"
	"github.com/melvinsewak/herald/internal/events"
	"github.com/melvinsewak/herald/internal/executor"
	"github.com/melvinsewak/herald/internal/metrics"
	"github.com/melvinsewak/herald/internal/orchestrator"
	"github.com/melvinsewak/herald/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdin, and os.Args out of the application logic so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the herald command. All OS-level
// dependencies are injected as parameters: ctx controls process
// lifetime, stdin feeds the REPL, stdout and stderr receive all output,
// and args is os.Args[1:]. Arguments are parsed by hand — the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface is small
// enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "repl":
		return runRepl(ctx, stdin, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: herald ask <request>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched and, when nothing is found, the built-in defaults are used.
// Returns the config and the path it came from ("" for defaults).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// buildRegistry constructs the capability registry from config. Each
// configured capability gets a keyword trigger and a handler that
// returns its scripted reply.
func buildRegistry(cfg *config.Config) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for _, cc := range cfg.Capabilities {
		reply := cc.Reply
		if reply == "" {
			reply = "handled by " + cc.Name
		}
		c := &capability.Capability{
			Name:        cc.Name,
			Description: cc.Description,
			Trigger:     capability.Keywords(cc.Keywords...),
			Handler: func(ctx context.Context, req capability.Request) (string, error) {
				return reply, nil
			},
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register capability: %w", err)
		}
	}
	return reg, nil
}

// orchestratorConfig maps the file config into orchestrator settings.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Mode:          cfg.Dispatch.Mode,
		HistoryBudget: cfg.History.Budget,
		Executor: executor.Config{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay(),
			Timeout:     cfg.Dispatch.Timeout(),
		},
		RouterAuditLog: cfg.Dispatch.MaxAuditLog,
	}
}

// runAsk dispatches a single request and prints the aggregated
// response. Useful for smoke tests and scripting without the REPL.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(logger, reg, orchestratorConfig(cfg))
	if err != nil {
		return err
	}

	resp, err := o.Handle(ctx, capability.Request{Payload: strings.Join(args, " ")})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Text)
	return nil
}

// runRepl starts the interactive console. Each input line is dispatched
// as a request in a single long-lived session; slash commands inspect
// session state.
func runRepl(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using built-in defaults")
	}
	logger.Info("starting", "build", buildinfo.String())

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	mgr := session.NewManager(logger, reg, orchestratorConfig(cfg))
	bus := events.New()
	mgr.SetBus(bus)

	if cfg.MetricsPath != "" {
		store, err := metrics.NewStore(cfg.MetricsPath)
		if err != nil {
			return fmt.Errorf("open metrics store: %w", err)
		}
		defer store.Close()
		mgr.SetStore(store)
		logger.Info("metrics persistence enabled", "path", cfg.MetricsPath)
	}

	// At debug level, mirror lifecycle events into the log.
	if level <= slog.LevelDebug {
		ch := bus.Subscribe(64)
		defer bus.Unsubscribe(ch)
		go func() {
			for e := range ch {
				logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessionID, o, err := mgr.GetOrCreate("")
	if err != nil {
		return err
	}
	defer mgr.End(sessionID)

	fmt.Fprintf(stdout, "herald %s — %d capabilities loaded. /help for commands.\n",
		buildinfo.Version, reg.Len())

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if line == "/quit" || line == "/exit" {
				break
			}
			if err := replCommand(stdout, o, line); err != nil {
				fmt.Fprintf(stdout, "error: %s\n", err)
			}
			continue
		}

		resp, err := o.Handle(ctx, capability.Request{Payload: line})
		if err != nil {
			fmt.Fprintf(stdout, "error: %s\n", err)
			continue
		}
		fmt.Fprintln(stdout, resp.Text)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	logger.Info("herald stopped")
	return nil
}

// replCommand handles console slash commands against the session's
// orchestrator.
func replCommand(w io.Writer, o *orchestrator.Orchestrator, line string) error {
	switch line {
	case "/help":
		fmt.Fprintln(w, "Commands:")
		fmt.Fprintln(w, "  /capabilities  List registered capabilities")
		fmt.Fprintln(w, "  /metrics       Show session dispatch metrics")
		fmt.Fprintln(w, "  /history       Show the conversation history buffer")
		fmt.Fprintln(w, "  /audit         Show recent routing decisions")
		fmt.Fprintln(w, "  /reset         Reset session metrics")
		fmt.Fprintln(w, "  /quit          Exit")
		return nil
	case "/capabilities":
		for _, c := range o.Router().Capabilities() {
			fmt.Fprintf(w, "  %-12s %s\n", c.Name, c.Description)
		}
		return nil
	case "/metrics":
		sum := o.Metrics().Summary()
		fmt.Fprintf(w, "  requests:      %d\n", sum.Count)
		fmt.Fprintf(w, "  success rate:  %.0f%%\n", sum.SuccessRate*100)
		fmt.Fprintf(w, "  mean duration: %s\n", sum.MeanDuration.Round(time.Millisecond))
		fmt.Fprintf(w, "  total size:    %d units\n", sum.TotalSize)
		return nil
	case "/history":
		turns := o.History().Snapshot()
		if len(turns) == 0 {
			fmt.Fprintln(w, "  (empty)")
			return nil
		}
		for _, t := range turns {
			fmt.Fprintf(w, "  [%s] %s\n", t.Role, t.Content)
		}
		fmt.Fprintf(w, "  %d/%d units used\n", o.History().TotalUnits(), o.History().Budget())
		return nil
	case "/audit":
		decisions := o.Router().AuditLog(10)
		if len(decisions) == 0 {
			fmt.Fprintln(w, "  (empty)")
			return nil
		}
		for _, d := range decisions {
			fmt.Fprintf(w, "  %s  matched=%v\n", d.RequestID, d.Matched)
		}
		return nil
	case "/reset":
		o.Metrics().Reset()
		fmt.Fprintln(w, "session metrics reset")
		return nil
	default:
		return fmt.Errorf("unknown command %s (try /help)", line)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger creates a structured text logger writing to w. All Herald
// log output goes through slog; this helper standardizes handler
// configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Herald - Capability Dispatch Console")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: herald [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  repl         Start the interactive console")
	fmt.Fprintln(w, "  init [dir]   Write an example herald.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Dispatch a single request")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}
