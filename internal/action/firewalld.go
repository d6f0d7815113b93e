// oreon/defense · watchthelight <wtl>

package action

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/oreonproject/logban/pkg/config"
)

const (
	firewalldDest  = "org.fedoraproject.FirewallD1"
	firewalldPath  = dbus.ObjectPath("/org/fedoraproject/FirewallD1")
	firewalldIPSet = "org.fedoraproject.FirewallD1.ipset"
)

// dbusCaller invokes a method on the firewalld object.
type dbusCaller interface {
	Call(ctx context.Context, method string, args ...any) error
}

type busObject struct {
	obj dbus.BusObject
}

func (b busObject) Call(ctx context.Context, method string, args ...any) error {
	return b.obj.CallWithContext(ctx, method, 0, args...).Err
}

// Firewalld adds and removes runtime entries of firewalld ipsets over the
// system bus.
type Firewalld struct {
	ipset4 string
	ipset6 string
	bus    dbusCaller
}

// NewFirewalld connects to the system bus.
func NewFirewalld(cfg config.ActionConfig) (*Firewalld, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	obj := conn.Object(firewalldDest, firewalldPath)
	return newFirewalld(cfg, busObject{obj: obj}), nil
}

func newFirewalld(cfg config.ActionConfig, bus dbusCaller) *Firewalld {
	return &Firewalld{
		ipset4: cfg.FirewalldIPSet,
		ipset6: cfg.FirewalldIPSet6,
		bus:    bus,
	}
}

func (f *Firewalld) Name() string { return BackendFirewalld }

func (f *Firewalld) ipset(addr netip.Addr) string {
	if addr.Is4() {
		return f.ipset4
	}
	return f.ipset6
}

// Ban adds addr to its family's ipset.
func (f *Firewalld) Ban(ctx context.Context, addr netip.Addr) error {
	err := f.bus.Call(ctx, firewalldIPSet+".addEntry", f.ipset(addr), addr.String())
	if err != nil {
		if strings.Contains(err.Error(), "ALREADY_ENABLED") {
			return ErrAlreadyPresent
		}
		return fmt.Errorf("firewalld add %s to %s: %w", addr, f.ipset(addr), err)
	}
	return nil
}

// Unban removes addr from its family's ipset.
func (f *Firewalld) Unban(ctx context.Context, addr netip.Addr) error {
	err := f.bus.Call(ctx, firewalldIPSet+".removeEntry", f.ipset(addr), addr.String())
	if err != nil {
		if strings.Contains(err.Error(), "NOT_ENABLED") {
			return ErrAlreadyAbsent
		}
		return fmt.Errorf("firewalld remove %s from %s: %w", addr, f.ipset(addr), err)
	}
	return nil
}
