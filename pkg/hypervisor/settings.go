package hypervisor

import (
	"bytes"
	"crypto/md5"
	_ "embed"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/uuid"
)

//go:embed settings.vbox.tmpl
var settingsTemplateText string

var settingsTemplate = template.Must(template.New("settings").Parse(settingsTemplateText))

type adapterData struct {
	Slot int
	MAC  string
	NAT  bool
}

type settingsData struct {
	UUID     string
	Name     string
	OSType   string
	CPUs     int
	MemoryMB int
	Adapters []adapterData
	BootLog  string
}

// MACAddress derives the MAC of adapter index from the machine name.
// The same name always yields the same addresses, and the multicast bit
// is always clear.
func MACAddress(name string, index int) string {
	h := md5.New()
	h.Write([]byte(name))
	h.Write([]byte{byte(index)})
	sum := h.Sum(nil)
	// Low 48 bits of the digest read as a big-endian integer.
	v := binary.BigEndian.Uint64(sum[8:]) & 0xFEFFFFFFFFFF
	return fmt.Sprintf("%012X", v)
}

func escapeAttr(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Render produces the settings document for a machine whose logs go to
// logsDir. Every call assigns a fresh UUID.
func (s Settings) Render(name, logsDir string) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data := settingsData{
		UUID:     uuid.NewString(),
		Name:     escapeAttr(name),
		OSType:   escapeAttr(s.OSType),
		CPUs:     s.CPUs,
		MemoryMB: s.MemoryMB,
		BootLog:  escapeAttr(filepath.Join(logsDir, "boot.log")),
	}
	for i := range s.NICs {
		data.Adapters = append(data.Adapters, adapterData{
			Slot: i,
			MAC:  MACAddress(name, i),
			NAT:  i == 0,
		})
	}
	var buf bytes.Buffer
	if err := settingsTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render settings: %w", err)
	}
	return buf.Bytes(), nil
}
