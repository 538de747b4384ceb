package config

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Import decodes a YAML mapping from r and merges it into c as string
// leaves, overwriting existing values. Nested mappings become subtrees;
// scalar values are stored via fmt.Sprint, matching the "scheme
// representation and a serializer" spec.md leaves external (§1).
func (c *Config) Import(r io.Reader) error {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	importMap(c, doc)
	return nil
}

func importMap(node *Config, doc map[string]any) {
	for key, val := range doc {
		switch v := val.(type) {
		case map[string]any:
			importMap(node.Sub(key, true), v)
		default:
			_ = node.Set(key, fmt.Sprint(v))
		}
	}
}

// Export renders the tree rooted at c as a YAML mapping, following links
// transparently and skipping callback leaves (their value is a runtime
// snapshot, not configuration).
func (c *Config) Export(w io.Writer) error {
	doc := exportMap(c)
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(doc)
}

func exportMap(node *Config) map[string]any {
	resolved, err := resolveLink(node)
	if err != nil {
		return map[string]any{}
	}
	resolved.mu.RLock()
	keys := make([]string, 0, len(resolved.children))
	for k := range resolved.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	resolved.mu.RUnlock()

	out := make(map[string]any, len(keys)+1)
	if v, ok := leafValue(resolved); ok {
		resolved.mu.RLock()
		isCallback := resolved.k == kindCallback
		resolved.mu.RUnlock()
		if !isCallback {
			out["$value"] = v
		}
	}
	for _, k := range keys {
		resolved.mu.RLock()
		child := resolved.children[k]
		resolved.mu.RUnlock()
		out[k] = exportMap(child)
	}
	return out
}
