package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/domain"
	tuitasks "github.com/elsanchez/autofetch/internal/tui/tasks"
	"github.com/elsanchez/autofetch/pkg/client"
)

const (
	version = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Crear cliente
	c := client.NewDefaultClient()
	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "add":
		handleAdd(ctx, c, args)
	case "list", "ls":
		handleList(ctx, c, args)
	case "status":
		handleStatus(ctx, c, args)
	case "pause", "resume", "cancel", "remove", "rm":
		handleTaskAction(ctx, c, os.Args[1], args)
	case "stats":
		handleStats(ctx, c)
	case "config":
		handleConfig(ctx, c, args)
	case "poll":
		handlePoll(ctx, c)
	case "watch":
		handleWatch(ctx, c)
	case "cookies":
		handleCookies(ctx, c, args)
	case "version":
		fmt.Printf("af v%s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		// Si el primer argumento parece una URL, asumir que es "add"
		if strings.HasPrefix(os.Args[1], "http://") || strings.HasPrefix(os.Args[1], "https://") {
			handleAdd(ctx, c, os.Args[1:])
		} else {
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}
}

func printUsage() {
	fmt.Println(`autofetch (af) v` + version + `

Usage: af <command> [args]

Commands:
  add <url> [options]      Queue a download
  list [--status s1,s2]    List tasks
  status <id>              Show one task
  pause <id>               Pause a task, keeping downloaded data
  resume <id>              Queue a paused or failed task again
  cancel <id>              Stop a task and discard its partial file
  remove <id>              Delete a task that is not downloading
  stats                    Show queue statistics
  config [set key=value]   Show or change download settings
  poll                     Check favorites for new episodes now
  watch                    Live view of the queue
  cookies <subcommand>     Manage cookie profiles (run 'af cookies help')
  version                  Show version
  help                     Show this help

Add Options:
  --filename <name>        File name (default: from the URL)
  --dest <dir>             Destination directory (default: download path)
  --title <series>         Series title, also used as sub-folder
  --episode-title <title>  Episode title
  --anime <id> --episode <id>
                           Link the task to a catalog episode

Config keys:
  enabled, download_path, max_concurrent, retry_attempts, years, seasons

Examples:
  af add https://cdn.example.com/ep01.mkv --title "Mushishi"
  af https://cdn.example.com/ep01.mkv          (shorthand for 'add')
  af list --status pending,downloading
  af config set max_concurrent=3 seasons=fall,winter
  af watch`)
}

// fail imprime el error y termina
func fail(err error) {
	fmt.Printf("Error: %v\n", err)
	var codeErr *domain.CodeError
	if errors.As(err, &codeErr) && codeErr.Code == domain.CodeTaskBusy {
		fmt.Println("  Hint: cancel or pause the task first")
	}
	os.Exit(1)
}

func requireArg(args []string, what, usage string) string {
	if len(args) == 0 || args[0] == "" {
		fmt.Printf("Error: %s is required\n", what)
		fmt.Printf("Usage: %s\n", usage)
		os.Exit(1)
	}
	return args[0]
}

func handleAdd(ctx context.Context, c *client.Client, args []string) {
	url := requireArg(args, "URL", "af add <url> [options]")

	addFlags := flag.NewFlagSet("add", flag.ExitOnError)
	filename := addFlags.String("filename", "", "File name")
	dest := addFlags.String("dest", "", "Destination directory")
	title := addFlags.String("title", "", "Series title")
	episodeTitle := addFlags.String("episode-title", "", "Episode title")
	animeID := addFlags.String("anime", "", "Catalog anime id")
	episodeID := addFlags.String("episode", "", "Catalog episode id")
	addFlags.Parse(args[1:])

	if *dest != "" {
		abs, err := filepath.Abs(*dest)
		if err != nil {
			fail(err)
		}
		*dest = abs
	}

	task, err := c.Add(ctx, client.AddPayload{
		URL:          url,
		Filename:     *filename,
		DestDir:      *dest,
		Title:        *title,
		EpisodeTitle: *episodeTitle,
		AnimeID:      *animeID,
		EpisodeID:    *episodeID,
	})
	if err != nil {
		fail(err)
	}

	fmt.Printf("✓ Download added with ID: %s\n", task.ID)
	fmt.Printf("  URL:  %s\n", task.URL)
	fmt.Printf("  File: %s\n", filepath.Join(task.DestDir, task.Filename))
	fmt.Printf("  Status: %s\n", task.Status)
}

func handleList(ctx context.Context, c *client.Client, args []string) {
	listFlags := flag.NewFlagSet("list", flag.ExitOnError)
	status := listFlags.String("status", "", "Comma separated statuses")
	listFlags.Parse(args)

	var statuses []domain.TaskStatus
	for _, s := range splitList(*status) {
		statuses = append(statuses, domain.TaskStatus(s))
	}

	list, err := c.List(ctx, statuses...)
	if err != nil {
		fail(err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found")
		return
	}

	fmt.Printf("Tasks (%d):\n\n", len(list))
	for _, t := range list {
		fmt.Printf("%s  %-11s %5.1f%%  %s\n", t.ID, t.Status, t.Progress, t.Filename)
		if t.ErrorMessage != "" {
			fmt.Printf("    Error: %s\n", t.ErrorMessage)
		}
	}
}

func handleStatus(ctx context.Context, c *client.Client, args []string) {
	id := requireArg(args, "Task ID", "af status <id>")

	t, err := c.Get(ctx, id)
	if err != nil {
		fail(err)
	}
	printTask(t)
}

func printTask(t *domain.TaskView) {
	fmt.Printf("ID: %s\n", t.ID)
	if t.Title != "" {
		fmt.Printf("  Series:   %s\n", t.Title)
	}
	if t.EpisodeID != "" {
		fmt.Printf("  Episode:  %s/%s %s\n", t.AnimeID, t.EpisodeID, t.EpisodeTitle)
	}
	fmt.Printf("  URL:      %s\n", t.URL)
	fmt.Printf("  File:     %s\n", filepath.Join(t.DestDir, t.Filename))
	fmt.Printf("  Source:   %s\n", t.Source)
	fmt.Printf("  Status:   %s\n", t.Status)

	total := "?"
	if t.TotalSize >= 0 {
		total = strconv.FormatInt(t.TotalSize, 10)
	}
	fmt.Printf("  Progress: %.1f%% (%d / %s bytes)\n", t.Progress, t.DownloadedSize, total)
	if t.Speed > 0 {
		fmt.Printf("  Speed:    %d B/s\n", t.Speed)
	}
	if t.RetryCount > 0 {
		fmt.Printf("  Retries:  %d\n", t.RetryCount)
	}
	if t.NextAttemptAt != nil {
		fmt.Printf("  Next try: %s\n", t.NextAttemptAt.Local().Format(time.RFC3339))
	}
	if t.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", t.ErrorMessage)
	}
	fmt.Printf("  Created:  %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Printf("  Done:     %s\n", t.CompletedAt.Local().Format(time.RFC3339))
	}
}

func handleTaskAction(ctx context.Context, c *client.Client, action string, args []string) {
	id := requireArg(args, "Task ID", "af "+action+" <id>")

	ops := map[string]func(context.Context, string) (*domain.TaskView, error){
		"pause":  c.Pause,
		"resume": c.Resume,
		"cancel": c.Cancel,
		"remove": c.Remove,
		"rm":     c.Remove,
	}

	t, err := ops[action](ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("✓ %s: %s (%s)\n", action, t.ID, t.Status)
}

func handleStats(ctx context.Context, c *client.Client) {
	stats, err := c.Stats(ctx)
	if err != nil {
		fail(err)
	}

	fmt.Println("Queue Statistics:")
	fmt.Println()
	fmt.Printf("  Pending:      %d\n", stats.Counts[domain.StatusPending])
	fmt.Printf("  Downloading:  %d\n", stats.Counts[domain.StatusDownloading])
	fmt.Printf("  Paused:       %d\n", stats.Counts[domain.StatusPaused])
	fmt.Printf("  Completed:    %d\n", stats.Counts[domain.StatusCompleted])
	fmt.Printf("  Failed:       %d\n", stats.Counts[domain.StatusError])
	fmt.Println()
	fmt.Printf("  Workers:      %d / %d busy\n", stats.Active, stats.Limit)
}

func handleConfig(ctx context.Context, c *client.Client, args []string) {
	if len(args) == 0 || args[0] == "get" {
		cfg, err := c.Config(ctx)
		if err != nil {
			fail(err)
		}
		printConfig(cfg)
		return
	}

	if args[0] != "set" || len(args) < 2 {
		fmt.Println("Usage: af config [get] | af config set key=value [key=value...]")
		os.Exit(1)
	}

	payload, err := parseConfigArgs(args[1:])
	if err != nil {
		fail(err)
	}

	cfg, err := c.SetConfig(ctx, payload)
	if err != nil {
		fail(err)
	}
	fmt.Println("✓ Settings updated")
	printConfig(cfg)
}

// parseConfigArgs convierte key=value en un payload parcial
func parseConfigArgs(args []string) (client.ConfigSetPayload, error) {
	var p client.ConfigSetPayload
	var filters *domain.Filters

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return p, fmt.Errorf("expected key=value, got %q", arg)
		}

		switch key {
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return p, fmt.Errorf("enabled: %w", err)
			}
			p.Enabled = &b
		case "download_path":
			abs, err := filepath.Abs(value)
			if err != nil {
				return p, err
			}
			p.DownloadPath = &abs
		case "max_concurrent", "max_concurrent_downloads":
			n, err := strconv.Atoi(value)
			if err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
			p.MaxConcurrentDownloads = &n
		case "retry_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
			p.RetryAttempts = &n
		case "years", "seasons":
			if filters == nil {
				filters = &domain.Filters{}
			}
			if key == "years" {
				filters.Years = splitList(value)
			} else {
				filters.Seasons = splitList(value)
			}
		default:
			return p, fmt.Errorf("unknown config key %q", key)
		}
	}

	p.Filters = filters
	return p, nil
}

func printConfig(cfg *domain.AutoDownloadConfig) {
	fmt.Println("Download Settings:")
	fmt.Printf("  enabled:        %t\n", cfg.Enabled)
	fmt.Printf("  download_path:  %s\n", cfg.DownloadPath)
	fmt.Printf("  max_concurrent: %d\n", cfg.MaxConcurrentDownloads)
	fmt.Printf("  retry_attempts: %d\n", cfg.RetryAttempts)
	fmt.Printf("  years:          %s\n", orAny(cfg.Filters.Years))
	fmt.Printf("  seasons:        %s\n", orAny(cfg.Filters.Seasons))
}

func orAny(values []string) string {
	if len(values) == 0 {
		return "(any)"
	}
	return strings.Join(values, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func handlePoll(ctx context.Context, c *client.Client) {
	res, err := c.Poll(ctx)
	if err != nil {
		fail(err)
	}

	if res.Disabled {
		fmt.Println("Auto-download is disabled (af config set enabled=true)")
		return
	}
	fmt.Printf("✓ Checked %d favorites in %s\n", res.Favorites, res.Duration)
	fmt.Printf("  New tasks:  %d\n", len(res.Created))
	fmt.Printf("  Existing:   %d\n", res.Existing)
	fmt.Printf("  Filtered:   %d\n", res.Filtered)
	fmt.Printf("  No episode: %d\n", res.NoEpisode)
	if res.Failed > 0 {
		fmt.Printf("  Failed:     %d (see daemon log)\n", res.Failed)
	}
}

func handleWatch(ctx context.Context, c *client.Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.Subscribe(ctx, client.SubscribePayload{})
	if err != nil {
		fail(err)
	}
	defer stream.Close()

	p := tea.NewProgram(tuitasks.NewModel(c, stream.Events()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fail(err)
	}
}
