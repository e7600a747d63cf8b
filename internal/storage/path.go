package storage

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,127}$`)

// TableSource maps a warehouse table name to object keys. A key ending in
// "/" is a prefix whose parquet parts all belong to the table.
type TableSource struct {
	Table string
	Key   string
}

func (s TableSource) IsPrefix() bool {
	return strings.HasSuffix(s.Key, "/")
}

// ParseTableSources parses "table=key,table2=prefix/" into sources sorted by
// table name.
func ParseTableSources(raw string) ([]TableSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := map[string]struct{}{}
	sources := make([]TableSource, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, key, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid table source %q: want table=key", part)
		}
		table = strings.TrimSpace(table)
		key = strings.TrimSpace(key)
		if !tableNamePattern.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		if _, dup := seen[table]; dup {
			return nil, fmt.Errorf("duplicate table source for %q", table)
		}
		cleaned, err := cleanKey(key)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", table, err)
		}
		seen[table] = struct{}{}
		sources = append(sources, TableSource{Table: table, Key: cleaned})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Table < sources[j].Table })
	return sources, nil
}

func cleanKey(key string) (string, error) {
	prefix := strings.HasSuffix(key, "/")
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	if prefix {
		cleaned += "/"
	}
	return cleaned, nil
}
