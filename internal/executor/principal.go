package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// AutoUserID is the --user-id sentinel asking SINGLE mode to derive its
// principal from whoever is logged into the local terminal.
const AutoUserID = "AUTO"

// ResolveAutoPrincipal reads the terminal's authenticated account and
// returns its login as the principal id.
func ResolveAutoPrincipal(ctx context.Context, term terminal.Terminal, path string) (string, error) {
	if !term.Connected(ctx) {
		if err := term.Initialize(ctx, path); err != nil {
			return "", fmt.Errorf("initialize terminal: %w", err)
		}
	}
	info, err := term.AccountInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("read terminal account: %w", err)
	}
	if info.Login == 0 {
		return "", errors.New("terminal has no authenticated account")
	}
	return strconv.FormatInt(info.Login, 10), nil
}
