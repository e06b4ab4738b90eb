package hypervisor

import (
	"fmt"
	"regexp"
	"strings"
)

// parseMachineReadable parses `showvminfo --machinereadable` output.
//
// Keys and values may be quoted, and quoted values may contain the
// separator and newlines (descriptions do). A quoted element therefore
// ends at the closing quote directly followed by its terminator, and a
// bare one at the first terminator.
func parseMachineReadable(raw string) (map[string]string, error) {
	data := raw + "\n"
	result := make(map[string]string)
	pos := 0
	read := func(term byte) (string, error) {
		if pos >= len(data) {
			return "", fmt.Errorf("unexpected end of output at offset %d", pos)
		}
		if data[pos] == '"' {
			begin := pos + 1
			end := strings.Index(data[begin:], "\""+string(term))
			if end < 0 {
				return "", fmt.Errorf("unterminated quoted element at offset %d", pos)
			}
			pos = begin + end + 2
			return data[begin : begin+end], nil
		}
		begin := pos
		end := strings.IndexByte(data[begin:], term)
		if end < 0 {
			return "", fmt.Errorf("missing %q after element at offset %d", term, pos)
		}
		pos = begin + end + 1
		return data[begin : begin+end], nil
	}
	for pos < len(data) {
		// Tolerate blank lines between entries.
		if data[pos] == '\n' {
			pos++
			continue
		}
		key, err := read('=')
		if err != nil {
			return nil, err
		}
		value, err := read('\n')
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

var listLineSep = regexp.MustCompile(`:[ \t]*`)

// parseList parses `VBoxManage list` output: records separated by blank
// lines, each line a "Name: value" pair.
func parseList(output string) []map[string]string {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil
	}
	var records []map[string]string
	for block := range strings.SplitSeq(output, "\n\n") {
		record := make(map[string]string)
		for line := range strings.SplitSeq(block, "\n") {
			if line == "" {
				continue
			}
			parts := listLineSep.Split(line, 2)
			if len(parts) == 2 {
				record[parts[0]] = parts[1]
			} else {
				record[parts[0]] = ""
			}
		}
		records = append(records, record)
	}
	return records
}

// VMEntry is one line of `VBoxManage list vms`.
type VMEntry struct {
	Name string
	UUID string
}

var vmLine = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]+)\}$`)

func parseVMList(output string) []VMEntry {
	var entries []VMEntry
	for line := range strings.SplitSeq(output, "\n") {
		m := vmLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		entries = append(entries, VMEntry{Name: m[1], UUID: m[2]})
	}
	return entries
}
