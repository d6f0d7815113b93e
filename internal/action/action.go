// oreon/defense · watchthelight <wtl>

// Package action enacts bans against the host firewall.
//
// A Banner applies one backend's ban and unban primitives. Backends report
// idempotent outcomes ("already banned", "not banned") through
// ErrAlreadyPresent and ErrAlreadyAbsent so callers can tolerate them.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"

	"github.com/oreonproject/logban/pkg/config"
)

var (
	// ErrAlreadyPresent reports a ban for an address that is already banned.
	ErrAlreadyPresent = errors.New("address already banned")
	// ErrAlreadyAbsent reports an unban for an address that is not banned.
	ErrAlreadyAbsent = errors.New("address not banned")
)

// Tolerated reports whether err is an idempotent outcome.
func Tolerated(err error) bool {
	return errors.Is(err, ErrAlreadyPresent) || errors.Is(err, ErrAlreadyAbsent)
}

// Banner bans and unbans addresses.
type Banner interface {
	Name() string
	Ban(ctx context.Context, addr netip.Addr) error
	Unban(ctx context.Context, addr netip.Addr) error
}

// CommandExecutor runs an external command and returns its combined output.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, command string, args []string) ([]byte, error)
}

// execCommandExecutor implements CommandExecutor using os/exec.
type execCommandExecutor struct{}

func (execCommandExecutor) ExecuteCommand(ctx context.Context, command string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, command, args...).CombinedOutput()
}

// Backend names accepted by New.
const (
	BackendNft       = config.BackendNft
	BackendIptables  = config.BackendIptables
	BackendFirewalld = config.BackendFirewalld
	BackendLog       = config.BackendLog
)

// New builds the configured backend.
func New(cfg config.ActionConfig, logger *slog.Logger) (Banner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendNft, "":
		return NewNft(cfg, execCommandExecutor{}), nil
	case BackendIptables:
		return NewIptables(cfg, execCommandExecutor{}), nil
	case BackendFirewalld:
		return NewFirewalld(cfg)
	case BackendLog:
		return NewLog(logger), nil
	default:
		return nil, fmt.Errorf("unknown action backend %q", cfg.Backend)
	}
}
