// Package exemplar loads the few-shot corpus of worked question/SQL/answer
// examples and keeps an embedded snapshot of it for similarity search.
package exemplar

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nlquery/nlquery/internal/failure"
)

type Exemplar struct {
	ID        string `json:"id"`
	TableInfo string `json:"table_info"`
	Question  string `json:"input"`
	SQL       string `json:"sql_cmd"`
	Result    string `json:"sql_result"`
	Answer    string `json:"answer"`
}

const (
	keyTableInfo = "table_info"
	keyInput     = "input"
	keySQL       = "sql_cmd"
	keyResult    = "sql_result"
	keyAnswer    = "answer"
)

var requiredKeys = []string{keyTableInfo, keyInput, keySQL, keyResult, keyAnswer}

type ParseOptions struct {
	// SkipInvalid drops malformed entries with a warning instead of failing
	// the whole load.
	SkipInvalid bool
	Logger      *slog.Logger
}

// Parse decodes a corpus document. The document is either a sequence of
// entries or a mapping from entry id to entry; document order is kept.
func Parse(data []byte, opts ParseOptions) ([]Exemplar, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, failure.Load("parse corpus", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return []Exemplar{}, nil
	}
	root := doc.Content[0]

	type entry struct {
		id   string
		node *yaml.Node
	}
	entries := make([]entry, 0)
	switch root.Kind {
	case yaml.SequenceNode:
		for i, item := range root.Content {
			entries = append(entries, entry{id: strconv.Itoa(i), node: item})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			entries = append(entries, entry{id: root.Content[i].Value, node: root.Content[i+1]})
		}
	case yaml.ScalarNode:
		if root.Tag == "!!null" {
			return []Exemplar{}, nil
		}
		return nil, failure.Newf(failure.KindLoad, "parse corpus", "corpus must be a sequence or mapping of entries, got a scalar at line %d", root.Line)
	default:
		return nil, failure.Newf(failure.KindLoad, "parse corpus", "corpus must be a sequence or mapping of entries")
	}

	out := make([]Exemplar, 0, len(entries))
	for _, e := range entries {
		ex, err := decodeEntry(e.id, e.node)
		if err != nil {
			if !opts.SkipInvalid {
				return nil, failure.Load("parse corpus", err)
			}
			if opts.Logger != nil {
				opts.Logger.Warn("corpus_entry_skipped", slog.String("entry", e.id), slog.String("error", err.Error()))
			}
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func decodeEntry(id string, node *yaml.Node) (Exemplar, error) {
	if node.Kind != yaml.MappingNode {
		return Exemplar{}, fmt.Errorf("entry %q (line %d): want a mapping", id, node.Line)
	}
	values := make(map[string]string, len(requiredKeys))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			continue
		}
		text, err := nodeText(value)
		if err != nil {
			return Exemplar{}, fmt.Errorf("entry %q key %q: %w", id, key, err)
		}
		values[key] = text
	}

	missing := make([]string, 0)
	for _, key := range requiredKeys {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Exemplar{}, fmt.Errorf("entry %q (line %d): missing required keys %s", id, node.Line, strings.Join(missing, ", "))
	}
	if strings.TrimSpace(values[keyInput]) == "" {
		return Exemplar{}, fmt.Errorf("entry %q (line %d): %s is blank", id, node.Line, keyInput)
	}

	return Exemplar{
		ID:        id,
		TableInfo: values[keyTableInfo],
		Question:  values[keyInput],
		SQL:       values[keySQL],
		Result:    values[keyResult],
		Answer:    values[keyAnswer],
	}, nil
}

// nodeText renders a value as text. Collections are written back in YAML
// flow style.
func nodeText(node *yaml.Node) (string, error) {
	if node.Kind == yaml.ScalarNode {
		return node.Value, nil
	}
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return nodeText(node.Alias)
	}
	clone := *node
	clone.Style = yaml.FlowStyle
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(&clone); err != nil {
		return "", fmt.Errorf("render value: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render value: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
