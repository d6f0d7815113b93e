// oreon/defense · watchthelight <wtl>

package action

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/oreonproject/logban/pkg/config"
)

// Nft adds and removes addresses in named nftables sets, one per address
// family. The sets and the rule dropping their members are provisioned
// by the administrator.
type Nft struct {
	family string
	table  string
	set4   string
	set6   string
	exec   CommandExecutor
}

// NewNft creates an nftables backend running commands through exec.
func NewNft(cfg config.ActionConfig, exec CommandExecutor) *Nft {
	return &Nft{
		family: cfg.NftFamily,
		table:  cfg.NftTable,
		set4:   cfg.NftSet,
		set6:   cfg.NftSet6,
		exec:   exec,
	}
}

func (n *Nft) Name() string { return BackendNft }

func (n *Nft) set(addr netip.Addr) string {
	if addr.Is4() {
		return n.set4
	}
	return n.set6
}

func (n *Nft) element(verb string, addr netip.Addr) []string {
	return []string{verb, "element", n.family, n.table, n.set(addr), "{", addr.String(), "}"}
}

// Ban adds addr to its family's set.
func (n *Nft) Ban(ctx context.Context, addr netip.Addr) error {
	out, err := n.exec.ExecuteCommand(ctx, "nft", n.element("add", addr))
	if err != nil {
		if strings.Contains(string(out), "File exists") {
			return ErrAlreadyPresent
		}
		return fmt.Errorf("nft add element %s to %s: %w: %s", addr, n.set(addr), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unban removes addr from its family's set.
func (n *Nft) Unban(ctx context.Context, addr netip.Addr) error {
	out, err := n.exec.ExecuteCommand(ctx, "nft", n.element("delete", addr))
	if err != nil {
		if strings.Contains(string(out), "No such file or directory") {
			return ErrAlreadyAbsent
		}
		return fmt.Errorf("nft delete element %s from %s: %w: %s", addr, n.set(addr), err, strings.TrimSpace(string(out)))
	}
	return nil
}
