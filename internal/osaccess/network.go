package osaccess

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/retry"
	"github.com/javanstorm/vmlab/pkg/remote"
)

const pingInterval = 500 * time.Millisecond

// ErrPing is returned when a host does not answer ping in time.
var ErrPing = errors.New("ping failed")

// Networking configures the guest network stack.
type Networking interface {
	Interfaces(ctx context.Context) ([]string, error)
	IPAddresses(ctx context.Context) ([]netip.Prefix, error)
	LinkUp(ctx context.Context, iface string) (bool, error)
	SetLink(ctx context.Context, iface string, up bool) error
	InterfaceStats(ctx context.Context, iface string) (rx, tx uint64, err error)
	Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) error
	DisableInternet(ctx context.Context) error
	AllowSubnet(ctx context.Context, subnet netip.Prefix) error
	AllowDestination(ctx context.Context, subnet netip.Prefix, proto string, port int) error
	BlockDestination(ctx context.Context, subnet netip.Prefix, proto string, port int) error
	SetRoute(ctx context.Context, dst netip.Prefix, iface string, gateway netip.Addr) error
	DefaultGateway(ctx context.Context) (netip.Addr, error)
}

// LinuxNetworking drives ip(8) and iptables(8).
type LinuxNetworking struct {
	c commander
}

func NewLinuxNetworking(shell remote.Shell) *LinuxNetworking {
	return &LinuxNetworking{c: commander{shell}}
}

// Interfaces lists network interfaces other than loopback.
func (n *LinuxNetworking) Interfaces(ctx context.Context) ([]string, error) {
	out, err := n.c.output(ctx, "ls", "-1", "/sys/class/net")
	if err != nil {
		return nil, err
	}
	var ifaces []string
	for name := range strings.SplitSeq(out, "\n") {
		if name = strings.TrimSpace(name); name != "" && name != "lo" {
			ifaces = append(ifaces, name)
		}
	}
	return ifaces, nil
}

var inetRe = regexp.MustCompile(`inet (\S+)`)

// IPAddresses returns the global IPv4 addresses with their prefixes.
func (n *LinuxNetworking) IPAddresses(ctx context.Context) ([]netip.Prefix, error) {
	out, err := n.c.output(ctx, "ip", "address", "show", "scope", "global")
	if err != nil {
		return nil, err
	}
	return parseInetAddresses(out)
}

func parseInetAddresses(out string) ([]netip.Prefix, error) {
	var addrs []netip.Prefix
	for _, m := range inetRe.FindAllStringSubmatch(out, -1) {
		p, err := netip.ParsePrefix(m[1])
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", m[1], err)
		}
		addrs = append(addrs, p)
	}
	return addrs, nil
}

func (n *LinuxNetworking) LinkUp(ctx context.Context, iface string) (bool, error) {
	out, err := n.c.output(ctx, "ip", "link", "show", iface)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "state UP"), nil
}

func (n *LinuxNetworking) SetLink(ctx context.Context, iface string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	_, err := n.c.run(ctx, 0, nil, "ip", "link", "set", "dev", iface, state)
	return err
}

// InterfaceStats returns the received and transmitted byte counters.
func (n *LinuxNetworking) InterfaceStats(ctx context.Context, iface string) (rx, tx uint64, err error) {
	dir := "/sys/class/net/" + iface + "/statistics/"
	out, err := n.c.output(ctx, "cat", dir+"rx_bytes", dir+"tx_bytes")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected statistics for %s: %q", iface, out)
	}
	if rx, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return 0, 0, err
	}
	if tx, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

// Ping sends single pings until one is answered or timeout elapses. The
// first echo often times out while ARP resolves the next hop, so lost
// packets are retried; an ICMP port unreachable answer is final.
func (n *LinuxNetworking) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) error {
	bin := "ping"
	if addr.Is6() && !addr.Is4In6() {
		bin = "ping6"
	}
	var lastOut string
	err := retry.Until(ctx, pingInterval, timeout, func(ctx context.Context) (bool, error) {
		_, err := n.c.run(ctx, 0, nil, bin, "-c", "1", "-W", "2", addr.String())
		var ee *remote.ExitError
		switch {
		case err == nil:
			return true, nil
		case !errors.As(err, &ee) || ee.Code != 1:
			return false, err
		case strings.Contains(string(ee.Stdout), "Destination Port Unreachable"):
			return false, fmt.Errorf("%w: %s: port unreachable", ErrPing, addr)
		}
		lastOut = string(ee.Stdout)
		return false, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w: %s", ErrPing, addr, err, strings.TrimSpace(lastOut))
	}
	return err
}

// DisableInternet rejects all outgoing traffic except loopback and
// checks that a public address became unreachable.
func (n *LinuxNetworking) DisableInternet(ctx context.Context) error {
	if _, err := n.c.run(ctx, 0, nil, "iptables", "-C", "OUTPUT", "-o", "lo", "-j", "ACCEPT"); err != nil {
		if _, ok := exitCode(err); !ok {
			return err
		}
		if _, err := n.c.run(ctx, 0, nil, "iptables", "-I", "OUTPUT", "-o", "lo", "-j", "ACCEPT"); err != nil {
			return err
		}
	}
	if _, err := n.c.run(ctx, 0, nil, "iptables", "-A", "OUTPUT", "-j", "REJECT"); err != nil {
		return err
	}
	public := netip.MustParseAddr("8.8.8.8")
	err := n.Ping(ctx, public, 5*time.Second)
	switch {
	case err == nil:
		return fmt.Errorf("%s is reachable after disabling internet", public)
	case errors.Is(err, ErrPing):
		log.G(ctx).Debug("internet is disabled")
		return nil
	}
	return err
}

func (n *LinuxNetworking) AllowSubnet(ctx context.Context, subnet netip.Prefix) error {
	_, err := n.c.run(ctx, 0, nil, "iptables", "-I", "OUTPUT", "-d", subnet.String(), "-j", "ACCEPT")
	return err
}

func (n *LinuxNetworking) AllowDestination(ctx context.Context, subnet netip.Prefix, proto string, port int) error {
	return n.destination(ctx, subnet, proto, port, "ACCEPT")
}

func (n *LinuxNetworking) BlockDestination(ctx context.Context, subnet netip.Prefix, proto string, port int) error {
	return n.destination(ctx, subnet, proto, port, "REJECT")
}

func (n *LinuxNetworking) destination(ctx context.Context, subnet netip.Prefix, proto string, port int, target string) error {
	_, err := n.c.run(ctx, 0, nil, "iptables", "-I", "OUTPUT",
		"-d", subnet.String(),
		"-p", proto,
		"--dport", strconv.Itoa(port),
		"-j", target)
	return err
}

func (n *LinuxNetworking) SetRoute(ctx context.Context, dst netip.Prefix, iface string, gateway netip.Addr) error {
	_, err := n.c.run(ctx, 0, nil, "ip", "route", "replace", dst.String(),
		"dev", iface, "via", gateway.String(), "proto", "static")
	return err
}

func (n *LinuxNetworking) DefaultGateway(ctx context.Context) (netip.Addr, error) {
	out, err := n.c.output(ctx, "ip", "route", "show", "0.0.0.0/0")
	if err != nil {
		return netip.Addr{}, err
	}
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[1] != "via" {
		return netip.Addr{}, fmt.Errorf("no default route in %q", out)
	}
	return netip.ParseAddr(fields[2])
}
