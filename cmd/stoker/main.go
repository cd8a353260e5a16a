package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stoker/internal/api"
	"github.com/mattjoyce/stoker/internal/auth"
	"github.com/mattjoyce/stoker/internal/config"
	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/lock"
	"github.com/mattjoyce/stoker/internal/log"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/storage"
	"github.com/mattjoyce/stoker/internal/tasklog"
	"github.com/mattjoyce/stoker/internal/tui/watch"
	"github.com/mattjoyce/stoker/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "config":
		return runConfigNoun(args)
	case "task":
		return runTaskNoun(args)

	// --- ROOT COMMANDS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigNounHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "help":
		printConfigNounHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printTaskNounHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "submit":
		if hasHelpFlag(actionArgs) {
			printTaskSubmitHelp()
			return 0
		}
		return runTaskSubmit(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printTaskGetHelp()
			return 0
		}
		return runTaskGet(actionArgs)
	case "recent":
		if hasHelpFlag(actionArgs) {
			printTaskRecentHelp()
			return 0
		}
		return runTaskRecent(actionArgs)
	case "help":
		printTaskNounHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("stoker starting", "version", version, "config", *configPath)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "stoker.pid")
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	if err := storage.Bootstrap(ctx, db); err != nil {
		logger.Error("failed to bootstrap database schema", "error", err)
		return 1
	}
	logger.Info("database opened", "path", cfg.State.Path)

	tasks := tasklog.New(db)
	hub := events.NewHub(256)

	tmpl, err := worker.LoadTemplate(cfg.Pool.TemplateDir)
	if err != nil {
		logger.Error("failed to load worker template", "template_dir", cfg.Pool.TemplateDir, "error", err)
		return 1
	}
	logger.Info("worker template loaded",
		"name", tmpl.Name,
		"version", tmpl.Version,
		"topics", strings.Join(tmpl.Topics, ","),
	)

	spawn := func(id int) (pool.Port, error) {
		return worker.Spawn(tmpl, id)
	}

	workerPool, err := pool.New(spawn, cfg.Pool.Workers, pool.WithHub(hub))
	if err != nil {
		logger.Error("failed to create worker pool", "workers", cfg.Pool.Workers, "error", err)
		return 1
	}
	logger.Info("worker pool created", "workers", cfg.Pool.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go recordDispatches(ctx, hub, tasks, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, cfg.Service.Name, workerPool, tasks, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("stoker running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	workerPool.Destroy()
	if n, err := tasks.MarkAbandoned(context.Background()); err != nil {
		logger.Error("failed to mark abandoned tasks", "error", err)
	} else if n > 0 {
		logger.Warn("abandoned queued tasks on shutdown", "count", n)
	}

	logger.Info("stoker stopped")
	return exitCode
}

// recordDispatches mirrors task.dispatched events into the task log so
// history rows carry the dispatching worker and time. Like the log itself
// this is best-effort: a dropped event or write failure costs detail, never
// a dispatch.
func recordDispatches(ctx context.Context, hub *events.Hub, tasks *tasklog.Store, logger *slog.Logger) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.TypeTaskDispatched {
				continue
			}
			var data struct {
				TaskID   string `json:"task_id"`
				WorkerID int    `json:"worker_id"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil || data.TaskID == "" {
				continue
			}
			wctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			// ErrTaskNotFound: the completion write raced ahead, or the task
			// was never logged. Either way the row is already right.
			if err := tasks.RecordDispatched(wctx, data.TaskID, data.WorkerID); err != nil && !errors.Is(err, tasklog.ErrTaskNotFound) {
				logger.Warn("failed to record task dispatch", "task_id", data.TaskID, "error", err)
			}
			done()
		}
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
		return 1
	}

	// Validate the worker template the pool would spawn from.
	tmpl, err := worker.LoadTemplate(cfg.Pool.TemplateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: worker template: %v\n", err)
		return 1
	}

	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Printf("  service:  %s (log %s)\n", cfg.Service.Name, cfg.Service.LogLevel)
	fmt.Printf("  workers:  %d x %s v%s\n", cfg.Pool.Workers, tmpl.Name, tmpl.Version)
	fmt.Printf("  topics:   %s\n", strings.Join(tmpl.Topics, ", "))
	fmt.Printf("  state:    %s\n", cfg.State.Path)
	if cfg.API.Enabled {
		fmt.Printf("  api:      %s (%d scoped tokens)\n", cfg.API.Listen, len(cfg.API.Auth.Tokens))
	} else {
		fmt.Println("  api:      disabled")
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved := *configPath
	if stat, err := os.Stat(resolved); err == nil && stat.IsDir() {
		resolved = filepath.Join(resolved, "config.yaml")
	}

	hash, err := config.WriteChecksum(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %s\n", resolved)
	fmt.Printf("  blake3: %s\n", hash)
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL, apiKey := apiFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if !requireAPIKey(*apiKey) {
		return 1
	}

	body, err := apiGet(*apiURL+"/v1/status", *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status request failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		fmt.Println(string(body))
		return 0
	}

	var resp api.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse status: %v\n", err)
		return 1
	}

	fmt.Printf("%s  phase=%s  uptime=%ds\n", resp.Service, resp.Pool.Phase, resp.UptimeSeconds)
	fmt.Printf("workers: %d (%d ready)  cursor=%d  queue=%d\n",
		resp.Pool.Workers, resp.Pool.Ready, resp.Pool.Cursor, resp.Pool.QueueDepth)
	fmt.Printf("tasks: %d completed, %d failed\n", resp.Pool.Completed, resp.Pool.Failed)
	for _, w := range resp.Pool.PerWorker {
		readyMark := " "
		if w.Ready {
			readyMark = "*"
		}
		fmt.Printf("  w%d%s pending=%d dispatched=%d\n", w.ID, readyMark, w.Pending, w.Dispatched)
	}
	return 0
}

func runTaskSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	apiURL, apiKey := apiFlags(fs)
	payload := fs.String("payload", "", "JSON task payload")
	wait := fs.Bool("wait", false, "Wait for the task result")
	timeout := fs.Int("timeout", 0, "Wait timeout in seconds")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stoker task submit <topic> [flags]")
		return 1
	}
	if !requireAPIKey(*apiKey) {
		return 1
	}

	req := api.SubmitRequest{
		Topic:          fs.Arg(0),
		Wait:           *wait,
		TimeoutSeconds: *timeout,
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(os.Stderr, "Error: --payload must be valid JSON")
			return 1
		}
		req.Payload = json.RawMessage(*payload)
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode request: %v\n", err)
		return 1
	}

	body, err := apiPost(*apiURL+"/v1/tasks", *apiKey, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}

	fmt.Println(string(body))
	return 0
}

func runTaskGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stoker task get <task_id> [flags]")
		return 1
	}
	if !requireAPIKey(*apiKey) {
		return 1
	}

	body, err := apiGet(*apiURL+"/v1/tasks/"+fs.Arg(0), *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	fmt.Println(string(body))
	return 0
}

func runTaskRecent(args []string) int {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	apiURL, apiKey := apiFlags(fs)
	limit := fs.Int("limit", 20, "Number of tasks to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if !requireAPIKey(*apiKey) {
		return 1
	}

	body, err := apiGet(fmt.Sprintf("%s/v1/tasks/recent?limit=%d", *apiURL, *limit), *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	fmt.Println(string(body))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if !requireAPIKey(*apiKey) {
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- HTTP HELPERS ---

func apiFlags(fs *flag.FlagSet) (*string, *string) {
	apiURL := fs.String("api-url", "http://127.0.0.1:8750", "Stoker API URL")
	apiKey := fs.String("api-key", os.Getenv("STOKER_API_KEY"), "API bearer token")
	return apiURL, apiKey
}

func requireAPIKey(apiKey string) bool {
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or STOKER_API_KEY env var.")
		return false
	}
	return true
}

func apiGet(url, apiKey string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return doAPIRequest(req, apiKey)
}

func apiPost(url, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAPIRequest(req, apiKey)
}

func doAPIRequest(req *http.Request, apiKey string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+apiKey)

	client := &http.Client{Timeout: 15 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("STOKER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: stoker version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("stoker %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- HELP ---

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" || a == "help" {
			return true
		}
	}
	return false
}

func isHelpToken(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

func printUsage() {
	fmt.Print(`stoker - Fixed-size worker process pool with round-robin dispatch

Usage:
  stoker <command> [flags]

Commands:
  start             Start the pool daemon in foreground
  status            Show pool phase and per-worker stats
  watch             Real-time monitoring TUI
  task submit       Submit a task to the pool
  task get          Show a task by ID
  task recent       List recent tasks
  config check      Validate configuration and worker template
  config lock       Update config integrity checksum
  version           Show version information
  help              Show this help message

Use 'stoker <command> --help' for command-specific flags.
`)
}

func printStartHelp() {
	fmt.Println("Usage: stoker start [--config PATH]")
	fmt.Println("Start the pool daemon: spawn workers, open the task log, serve the API.")
}

func printStatusHelp() {
	fmt.Println("Usage: stoker status [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show pool phase, dispatch cursor, and per-worker pending counts.")
}

func printWatchHelp() {
	fmt.Println("Usage: stoker watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI. Shows pool health, worker slots, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Stoker API URL (default: http://127.0.0.1:8750)")
	fmt.Println("  --api-key KEY    API bearer token (or STOKER_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
}

func printConfigNounHelp() {
	fmt.Println("Usage: stoker config <check|lock> [flags]")
	fmt.Println("  check   Validate syntax, worker template, and integrity")
	fmt.Println("  lock    Authorize current config state (update checksum)")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: stoker config check [--config PATH]")
	fmt.Println("Validate configuration syntax, the worker template, and integrity checksums.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: stoker config lock [--config PATH]")
	fmt.Println("Authorize current configuration state by regenerating the integrity checksum.")
}

func printTaskNounHelp() {
	fmt.Println("Usage: stoker task <submit|get|recent> [flags]")
	fmt.Println("  submit <topic>   Submit a task (optionally wait for its result)")
	fmt.Println("  get <task_id>    Show a task's status and result")
	fmt.Println("  recent           List recent tasks")
}

func printTaskSubmitHelp() {
	fmt.Println("Usage: stoker task submit <topic> [--payload JSON] [--wait] [--timeout SECONDS]")
	fmt.Println("Submit a task to the pool via the API.")
}

func printTaskGetHelp() {
	fmt.Println("Usage: stoker task get <task_id>")
	fmt.Println("Show a task's status, result, and timestamps.")
}

func printTaskRecentHelp() {
	fmt.Println("Usage: stoker task recent [--limit N]")
	fmt.Println("List recent tasks, newest first.")
}
