package artifactstore

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// ModelConfig is the parsed form of a model's `.config` sidecar artifact:
// an ordered set of INI-style sections, each a set of key/value pairs.
type ModelConfig struct {
	Sections map[string]map[string]string
	order    []string
}

// ParseModelConfig parses the `[Section]` / `key = value` grammar used by
// the `.config` artifacts. It is a small closed grammar private to this
// system; there is no general INI dependency anywhere in the example pack
// to reach for instead.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	cfg := &ModelConfig{Sections: map[string]map[string]string{}}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	section := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := cfg.Sections[section]; !ok {
				cfg.Sections[section] = map[string]string{}
				cfg.order = append(cfg.order, section)
			}
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("artifactstore: config line %d: missing '=': %q", lineNo, line)
		}
		if section == "" {
			return nil, fmt.Errorf("artifactstore: config line %d: key outside any section", lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		cfg.Sections[section][key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("artifactstore: scan config: %w", err)
	}
	return cfg, nil
}

// Render serializes the config back to the `.config` text form, sections
// in first-seen order, keys sorted within each section for determinism.
func (c *ModelConfig) Render() []byte {
	var buf bytes.Buffer
	for _, section := range c.order {
		fmt.Fprintf(&buf, "[%s]\n", section)
		keys := make([]string, 0, len(c.Sections[section]))
		for k := range c.Sections[section] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, "%s = %s\n", k, c.Sections[section][k])
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Get returns a value from section/key, and whether it was present.
func (c *ModelConfig) Get(section, key string) (string, bool) {
	s, ok := c.Sections[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}
