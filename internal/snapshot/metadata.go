package snapshot

import (
	"encoding/json"
	"fmt"
	"maps"
)

const osKey = "os_name"

// Metadata is the provenance embedded in a base image.
type Metadata struct {
	OS    string
	Extra map[string]string
}

// Encode returns the JSON object stored in the disk description. Keys
// are sorted, so equal metadata encodes identically.
func (m Metadata) Encode() (string, error) {
	fields := make(map[string]string, len(m.Extra)+1)
	maps.Copy(fields, m.Extra)
	fields[osKey] = m.OS
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseMetadata decodes a disk description written by Encode.
func ParseMetadata(s string) (Metadata, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return Metadata{}, fmt.Errorf("parse image metadata: %w", err)
	}
	m := Metadata{OS: fields[osKey], Extra: fields}
	delete(m.Extra, osKey)
	return m, nil
}
