package hypervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMachineReadable(t *testing.T) {
	raw := strings.Join([]string{
		`name="ft-ubuntu"`,
		`VMState="poweroff"`,
		`memory=2048`,
		`"Forwarding(0)"="tcp-22,tcp,,20001,,22"`,
		`description="line one`,
		`line="two"`,
		``,
		`GuestAdditionsRunLevel=3`,
	}, "\n")

	got, err := parseMachineReadable(raw)
	require.NoError(t, err)
	assert.Equal(t, "ft-ubuntu", got["name"])
	assert.Equal(t, "poweroff", got["VMState"])
	assert.Equal(t, "2048", got["memory"])
	assert.Equal(t, "tcp-22,tcp,,20001,,22", got["Forwarding(0)"])
	assert.Equal(t, "line one\nline=\"two", got["description"])
	assert.Equal(t, "3", got["GuestAdditionsRunLevel"])
}

func TestParseMachineReadableErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unterminated quote", `name="ft`},
		{"missing separator", "novalue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMachineReadable(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestParseList(t *testing.T) {
	out := "UUID:           1111\nParent UUID:    base\nLocation:       /vms/a.vdi\n\nUUID: 2222\nLocation:\t/vms/b.vdi\n"
	records := parseList(out)
	require.Len(t, records, 2)
	assert.Equal(t, "1111", records[0]["UUID"])
	assert.Equal(t, "base", records[0]["Parent UUID"])
	assert.Equal(t, "/vms/b.vdi", records[1]["Location"])
	assert.Nil(t, parseList("  \n"))
}

func TestParseVMList(t *testing.T) {
	out := `"ft-1" {0a1b2c3d-0000-0000-0000-000000000001}
"name with spaces" {0a1b2c3d-0000-0000-0000-000000000002}
garbage`
	entries := parseVMList(out)
	require.Len(t, entries, 2)
	assert.Equal(t, VMEntry{Name: "ft-1", UUID: "0a1b2c3d-0000-0000-0000-000000000001"}, entries[0])
	assert.Equal(t, "name with spaces", entries[1].Name)
}

func TestParseError(t *testing.T) {
	stderr := "VBoxManage: error: Could not find a registered machine named 'x'\r\n" +
		"VBoxManage: error: Details: code VBOX_E_OBJECT_NOT_FOUND (0x80bb0001), component VirtualBoxWrap\r\n"
	err := ParseError([]string{"showvminfo", "x"}, 1, stderr)

	e, ok := asCLIError(err)
	require.True(t, ok)
	assert.Equal(t, "Could not find a registered machine named 'x'", e.Message)
	assert.Equal(t, "VBOX_E_OBJECT_NOT_FOUND", e.Code)
	assert.True(t, HasCode(err, "VBOX_E_OBJECT_NOT_FOUND"))
	assert.True(t, Mentions(err, "registered machine"))
	assert.Contains(t, err.Error(), "showvminfo")

	plain := ParseError([]string{"list"}, 2, "Syntax error\n")
	e, ok = asCLIError(plain)
	require.True(t, ok)
	assert.Equal(t, "Syntax error", e.Message)
	assert.Empty(t, e.Code)
	assert.Contains(t, plain.Error(), "exit status 2")
}

func TestParseErrorNotReady(t *testing.T) {
	err := ParseError([]string{"unregistervm", "x"}, 1, "VBoxManage: error: The object is not ready\n")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.NotErrorIs(t, ParseError(nil, 1, "other"), ErrNotReady)
}

func TestInfo(t *testing.T) {
	info := Info{
		"VMState":                "aborted",
		"GuestAdditionsRunLevel": "2",
		"VideoMode":              `1024,768,32"@0,0 1`,
		"Forwarding(0)":          "tcp-22,tcp,,20001,,22",
		"Forwarding(1)":          "udp-53,udp,,20002,,53",
	}
	assert.True(t, info.IsOff())

	level, err := info.RunLevel()
	require.NoError(t, err)
	assert.Equal(t, RunLevelUserland, level)

	w, h, d, err := info.VideoMode()
	require.NoError(t, err)
	assert.Equal(t, []int{1024, 768, 32}, []int{w, h, d})

	forwards, err := info.PortForwards()
	require.NoError(t, err)
	ports := NewPortMap(forwards)
	host, ok := ports.Host("tcp", 22)
	assert.True(t, ok)
	assert.Equal(t, 20001, host)
	host, ok = ports.Host("udp", 53)
	assert.True(t, ok)
	assert.Equal(t, 20002, host)

	_, err = Info{"GuestAdditionsRunLevel": "9"}.RunLevel()
	assert.Error(t, err)
	level, err = Info{}.RunLevel()
	require.NoError(t, err)
	assert.Equal(t, RunLevelNone, level)
}

func TestMACAddress(t *testing.T) {
	a := MACAddress("ft-1", 0)
	assert.Len(t, a, 12)
	assert.Equal(t, a, MACAddress("ft-1", 0))
	assert.NotEqual(t, a, MACAddress("ft-1", 1))
	assert.NotEqual(t, a, MACAddress("ft-2", 0))
	for _, name := range []string{"a", "b", "c", "d", "ft-199"} {
		mac := MACAddress(name, 3)
		// Multicast bit of the first octet is clear.
		first := mac[:2]
		var octet byte
		for _, c := range first {
			octet <<= 4
			octet |= byte(strings.IndexRune("0123456789ABCDEF", c))
		}
		assert.Zero(t, octet&1, mac)
	}
}

func TestRenderSettings(t *testing.T) {
	s := Settings{CPUs: 2, MemoryMB: 1024, Forwards: []PortForward{{Protocol: "tcp", HostPort: 20001, GuestPort: 22}}}
	doc, err := s.Render("ft-<1>", "/vms/ft/Logs")
	require.NoError(t, err)
	text := string(doc)
	assert.Contains(t, text, `name="ft-&lt;1&gt;"`)
	assert.Contains(t, text, `OSType="Ubuntu_64"`)
	assert.Contains(t, text, MACAddress("ft-<1>", 3))
	assert.Contains(t, text, filepath.Join("/vms/ft/Logs", "boot.log"))

	bad := Settings{CPUs: 0, MemoryMB: 1024}
	_, err = bad.Render("x", "/tmp")
	assert.ErrorIs(t, err, ErrInvalidCPUCount)

	bad = Settings{CPUs: 1, MemoryMB: 1024, Forwards: []PortForward{{Protocol: "sctp", HostPort: 1, GuestPort: 1}}}
	_, err = bad.Render("x", "/tmp")
	assert.ErrorIs(t, err, ErrInvalidPortForward)
}

func TestDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.vdi")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0644))

	require.NoError(t, WriteDescription(path, `{"os":"ubuntu"}`))
	got, err := ReadDescription(path)
	require.NoError(t, err)
	assert.Equal(t, `{"os":"ubuntu"}`, got)

	// A shorter value replaces the old one entirely.
	require.NoError(t, WriteDescription(path, "x"))
	got, err = ReadDescription(path)
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	assert.ErrorIs(t, WriteDescription(path, strings.Repeat("a", descriptionSize)), ErrDescriptionTooLong)
	assert.NoError(t, WriteDescription(path, strings.Repeat("a", descriptionSize-1)))

	_, err = ReadDescription(filepath.Join(t.TempDir(), "missing.vdi"))
	assert.ErrorIs(t, err, ErrDiskNotFound)
}
