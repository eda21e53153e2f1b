package cookies

import (
	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
)

type accountsLoadedMsg struct {
	accounts []*domain.Account
	err      error
}

type importCompleteMsg struct {
	result *cookies.ImportResult
	err    error
}

type validationCompleteMsg struct {
	results map[int64]*cookies.ValidationResult
	err     error
}

// profileOpMsg reports an activate or remove on one profile
type profileOpMsg struct {
	verb string
	host string
	name string
	err  error
}
