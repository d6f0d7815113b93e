// oreon/defense · watchthelight <wtl>

package action

import (
	"context"
	"log/slog"
	"net/netip"
)

// Log only records what would be done. It is the preview backend.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only backend.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "action", "backend", BackendLog)}
}

func (l *Log) Name() string { return BackendLog }

func (l *Log) Ban(ctx context.Context, addr netip.Addr) error {
	l.logger.InfoContext(ctx, "would ban", "addr", addr.String())
	return nil
}

func (l *Log) Unban(ctx context.Context, addr netip.Addr) error {
	l.logger.InfoContext(ctx, "would unban", "addr", addr.String())
	return nil
}
