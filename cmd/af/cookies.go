package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
	tuicookies "github.com/elsanchez/autofetch/internal/tui/cookies"
	"github.com/elsanchez/autofetch/pkg/client"
)

func printCookiesUsage() {
	fmt.Println(`Usage: af cookies [subcommand]

Without a subcommand opens the interactive cookie manager.

Subcommands:
  import <file> [--host h] [--name n] [--activate] [--force]
                           Import a Netscape cookies.txt file
  extract --domain <d> [--browser b] [--host h] [--name n] [--activate] [--force]
                           Read cookies from a local browser
  list [host]              List profiles
  activate <host> <name>   Use a profile for its host
  remove <host> <name>     Delete a profile and its file
  validate [host]          Check cookie expiration`)
}

func handleCookies(ctx context.Context, c *client.Client, args []string) {
	if len(args) == 0 {
		p := tea.NewProgram(tuicookies.NewModel(c), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			fail(err)
		}
		return
	}

	rest := args[1:]
	switch args[0] {
	case "import":
		handleCookiesImport(ctx, c, rest)
	case "extract":
		handleCookiesExtract(ctx, c, rest)
	case "list", "ls":
		handleCookiesList(ctx, c, rest)
	case "activate":
		host, name := hostAndName(rest, "af cookies activate <host> <name>")
		if err := c.ActivateCookies(ctx, host, name); err != nil {
			fail(err)
		}
		fmt.Printf("✓ Profile %q is now active for %s\n", name, host)
	case "remove", "rm":
		host, name := hostAndName(rest, "af cookies remove <host> <name>")
		if err := c.RemoveCookies(ctx, host, name); err != nil {
			fail(err)
		}
		fmt.Printf("✓ Profile %q removed from %s\n", name, host)
	case "validate":
		handleCookiesValidate(ctx, c, rest)
	case "help", "-h", "--help":
		printCookiesUsage()
	default:
		fmt.Printf("Unknown cookies command: %s\n", args[0])
		printCookiesUsage()
		os.Exit(1)
	}
}

func hostAndName(args []string, usage string) (string, string) {
	if len(args) < 2 {
		fmt.Println("Error: host and profile name are required")
		fmt.Printf("Usage: %s\n", usage)
		os.Exit(1)
	}
	return args[0], args[1]
}

func handleCookiesImport(ctx context.Context, c *client.Client, args []string) {
	file := requireArg(args, "Cookie file", "af cookies import <file> [options]")

	importFlags := flag.NewFlagSet("cookies import", flag.ExitOnError)
	host := importFlags.String("host", "", "Host (detected from the cookies when empty)")
	name := importFlags.String("name", "", "Profile name")
	activate := importFlags.Bool("activate", false, "Make the profile active")
	force := importFlags.Bool("force", false, "Overwrite a profile with the same name")
	importFlags.Parse(args[1:])

	res, err := c.ImportCookies(ctx, cookies.ImportOptions{
		FilePath: file,
		Host:     *host,
		Name:     *name,
		Activate: *activate,
		Force:    *force,
	})
	if err != nil {
		fail(err)
	}
	printImport(res)
}

func handleCookiesExtract(ctx context.Context, c *client.Client, args []string) {
	extractFlags := flag.NewFlagSet("cookies extract", flag.ExitOnError)
	browser := extractFlags.String("browser", "", "Browser to read (default: all found)")
	domainName := extractFlags.String("domain", "", "Cookie domain to extract")
	host := extractFlags.String("host", "", "Host to store the profile under")
	name := extractFlags.String("name", "", "Profile name")
	activate := extractFlags.Bool("activate", false, "Make the profile active")
	force := extractFlags.Bool("force", false, "Overwrite a profile with the same name")
	extractFlags.Parse(args)

	if *domainName == "" {
		fmt.Println("Error: --domain is required")
		os.Exit(1)
	}

	res, err := c.ExtractCookies(ctx, client.ExtractPayload{
		Browser:  *browser,
		Domain:   *domainName,
		Host:     *host,
		Name:     *name,
		Activate: *activate,
		Force:    *force,
	})
	if err != nil {
		fail(err)
	}
	printImport(res)
}

func printImport(res *cookies.ImportResult) {
	fmt.Printf("✓ Profile %q saved for %s\n", res.Account.Name, res.Account.Host)
	if res.Validation != nil {
		fmt.Printf("  Cookies: %d (%s)\n", res.Validation.Count, res.Validation.Message)
	}
	if res.Account.IsActive {
		fmt.Println("  Active: yes")
	}
}

func handleCookiesList(ctx context.Context, c *client.Client, args []string) {
	host := ""
	if len(args) > 0 {
		host = args[0]
	}

	accounts, err := c.ListCookies(ctx, host)
	if err != nil {
		fail(err)
	}
	if len(accounts) == 0 {
		fmt.Println("No cookie profiles found")
		return
	}

	now := time.Now()
	current := ""
	for _, a := range accounts {
		if a.Host != current {
			current = a.Host
			fmt.Printf("%s:\n", current)
		}
		mark := " "
		if a.IsActive {
			mark = "*"
		}
		fmt.Printf("  %s %-20s %s\n", mark, a.Name, expiry(a, now))
	}
}

func expiry(a *domain.Account, now time.Time) string {
	switch {
	case a.ExpiresAt == nil:
		return "session"
	case a.Expired(now):
		return "expired " + a.ExpiresAt.Local().Format("2006-01-02")
	default:
		return "expires " + a.ExpiresAt.Local().Format("2006-01-02")
	}
}

func handleCookiesValidate(ctx context.Context, c *client.Client, args []string) {
	host := ""
	if len(args) > 0 {
		host = args[0]
	}

	accounts, err := c.ListCookies(ctx, host)
	if err != nil {
		fail(err)
	}
	results, err := c.ValidateCookies(ctx, host)
	if err != nil {
		fail(err)
	}
	if len(results) == 0 {
		fmt.Println("No cookie profiles found")
		return
	}

	byID := make(map[int64]*domain.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	invalid := 0
	for _, id := range ids {
		res := results[id]
		label := fmt.Sprintf("#%d", id)
		if a, ok := byID[id]; ok {
			label = a.Host + "/" + a.Name
		}
		icon := "✓"
		if !res.Valid {
			icon = "✗"
			invalid++
		}
		fmt.Printf("%s %-30s %-8s %s\n", icon, label, res.Status, res.Message)
	}

	if invalid > 0 {
		os.Exit(1)
	}
}
