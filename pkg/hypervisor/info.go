package hypervisor

import (
	"fmt"
	"strconv"
	"strings"
)

// Info is the machine-readable description of a machine.
type Info map[string]string

// State returns VMState, e.g. "running" or "poweroff".
func (i Info) State() string {
	return i["VMState"]
}

// IsOff reports whether the machine is powered off or aborted.
func (i Info) IsOff() bool {
	switch i.State() {
	case "poweroff", "aborted":
		return true
	default:
		return false
	}
}

// OSType returns the guest OS identifier.
func (i Info) OSType() string {
	return i["ostype"]
}

// RunLevel returns the guest additions run level.
func (i Info) RunLevel() (RunLevel, error) {
	raw, ok := i["GuestAdditionsRunLevel"]
	if !ok {
		return RunLevelNone, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < int(RunLevelNone) || n > int(RunLevelDesktop) {
		return RunLevelNone, fmt.Errorf("unexpected GuestAdditionsRunLevel %q", raw)
	}
	return RunLevel(n), nil
}

// VideoMode returns width, height and color depth of the first screen.
// The raw value looks like `1024,768,32"@0,0 1`.
func (i Info) VideoMode() (width, height, depth int, err error) {
	raw, ok := i["VideoMode"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("no VideoMode in machine info")
	}
	mode, _, _ := strings.Cut(raw, `"@`)
	parts := strings.Split(mode, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected VideoMode %q", raw)
	}
	var vals [3]int
	for n, p := range parts {
		if vals[n], err = strconv.Atoi(strings.TrimSpace(p)); err != nil {
			return 0, 0, 0, fmt.Errorf("unexpected VideoMode %q: %w", raw, err)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

// PortForwards returns the NAT rules of the first adapter. Entries look
// like Forwarding(0)="tcp-22,tcp,,20001,,22".
func (i Info) PortForwards() ([]PortForward, error) {
	var out []PortForward
	for n := 0; ; n++ {
		raw, ok := i["Forwarding("+strconv.Itoa(n)+")"]
		if !ok {
			return out, nil
		}
		fields := strings.Split(raw, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("unexpected forwarding rule %q", raw)
		}
		host, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("forwarding rule %q: %w", raw, err)
		}
		guest, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("forwarding rule %q: %w", raw, err)
		}
		out = append(out, PortForward{Protocol: fields[1], HostPort: host, GuestPort: guest})
	}
}

// PortMap maps guest ports to host ports per protocol.
type PortMap map[string]map[int]int

// NewPortMap indexes forwards by protocol and guest port.
func NewPortMap(forwards []PortForward) PortMap {
	m := PortMap{"tcp": {}, "udp": {}}
	for _, f := range forwards {
		if m[f.Protocol] == nil {
			m[f.Protocol] = map[int]int{}
		}
		m[f.Protocol][f.GuestPort] = f.HostPort
	}
	return m
}

// Host returns the host port forwarded to guestPort.
func (m PortMap) Host(protocol string, guestPort int) (int, bool) {
	p, ok := m[protocol][guestPort]
	return p, ok
}

// RunLevel is the guest additions integration stage.
type RunLevel int

const (
	RunLevelNone     RunLevel = iota // additions not loaded
	RunLevelSystem                   // guest drivers loaded
	RunLevelUserland                 // services loaded
	RunLevelDesktop                  // per-user desktop components loaded
)

func (r RunLevel) String() string {
	switch r {
	case RunLevelNone:
		return "NONE"
	case RunLevelSystem:
		return "SYSTEM"
	case RunLevelUserland:
		return "USERLAND"
	case RunLevelDesktop:
		return "DESKTOP"
	default:
		return "UNKNOWN"
	}
}
