// oreon/defense · watchthelight <wtl>

package action

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/oreonproject/logban/pkg/config"
)

// Iptables inserts a DROP rule per banned source address. IPv6 addresses
// go through ip6tables.
type Iptables struct {
	chain string
	exec  CommandExecutor
}

// NewIptables creates an iptables backend running commands through exec.
func NewIptables(cfg config.ActionConfig, exec CommandExecutor) *Iptables {
	chain := cfg.IptablesChain
	if chain == "" {
		chain = "INPUT"
	}
	return &Iptables{chain: chain, exec: exec}
}

func (t *Iptables) Name() string { return BackendIptables }

func (t *Iptables) command(addr netip.Addr) string {
	if addr.Is4() {
		return "iptables"
	}
	return "ip6tables"
}

func (t *Iptables) rule(op string, addr netip.Addr) []string {
	return []string{op, t.chain, "-s", addr.String(), "-j", "DROP"}
}

// present reports whether the DROP rule for addr exists. A missing binary
// is an error, not absence.
func (t *Iptables) present(ctx context.Context, addr netip.Addr) (bool, error) {
	_, err := t.exec.ExecuteCommand(ctx, t.command(addr), t.rule("-C", addr))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return false, fmt.Errorf("%s: %w", t.command(addr), err)
	}
	return false, nil
}

// Ban inserts the DROP rule at the head of the chain.
func (t *Iptables) Ban(ctx context.Context, addr netip.Addr) error {
	ok, err := t.present(ctx, addr)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyPresent
	}
	if out, err := t.exec.ExecuteCommand(ctx, t.command(addr), t.rule("-I", addr)); err != nil {
		return fmt.Errorf("%s insert %s: %w: %s", t.command(addr), addr, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unban deletes the DROP rule.
func (t *Iptables) Unban(ctx context.Context, addr netip.Addr) error {
	ok, err := t.present(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyAbsent
	}
	if out, err := t.exec.ExecuteCommand(ctx, t.command(addr), t.rule("-D", addr)); err != nil {
		return fmt.Errorf("%s delete %s: %w: %s", t.command(addr), addr, err, strings.TrimSpace(string(out)))
	}
	return nil
}
