package cookies

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
)

const requestTimeout = 30 * time.Second

// call runs fn against the daemon off the UI goroutine
func call(fn func(ctx context.Context) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return fn(ctx)
	}
}

func loadAccounts(b Backend) tea.Cmd {
	return call(func(ctx context.Context) tea.Msg {
		accounts, err := b.ListCookies(ctx, "")
		return accountsLoadedMsg{accounts: accounts, err: err}
	})
}

func importCookie(b Backend, opts cookies.ImportOptions) tea.Cmd {
	return call(func(ctx context.Context) tea.Msg {
		result, err := b.ImportCookies(ctx, opts)
		return importCompleteMsg{result: result, err: err}
	})
}

func validateAccounts(b Backend) tea.Cmd {
	return call(func(ctx context.Context) tea.Msg {
		results, err := b.ValidateCookies(ctx, "")
		return validationCompleteMsg{results: results, err: err}
	})
}

func activateAccount(b Backend, acc *domain.Account) tea.Cmd {
	return call(func(ctx context.Context) tea.Msg {
		err := b.ActivateCookies(ctx, acc.Host, acc.Name)
		return profileOpMsg{verb: "Activated", host: acc.Host, name: acc.Name, err: err}
	})
}

func removeAccount(b Backend, acc *domain.Account) tea.Cmd {
	return call(func(ctx context.Context) tea.Msg {
		err := b.RemoveCookies(ctx, acc.Host, acc.Name)
		return profileOpMsg{verb: "Removed", host: acc.Host, name: acc.Name, err: err}
	})
}
