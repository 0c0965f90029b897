package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// parseKV reads a simple "KEY=VALUE" line file, the format used by
// cfg/contexts/*.conf and cfg/jobs/*.conf. Blank lines and lines
// starting with '#' are ignored. No third-party config/ini parser in
// the dependency pack speaks this exact two-column shape, and a
// general-purpose parser would be a worse fit than this dozen lines
// (see DESIGN.md).
func parseKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// splitCSV splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseGroups reads cfg/groups.conf, "label = regex" per line.
func parseGroups(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		label, regex, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(label)] = strings.TrimSpace(regex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
