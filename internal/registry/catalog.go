// Package registry implements the Model Registry: it loads the JSON
// model catalog, resolves ENV: secrets, and builds one Adapter per
// enabled+available entry. Adding a provider is: write an
// Adapter/Converter, add one line to the local adapterFactories map —
// four adapter kinds read from a declarative catalog instead of hardcoded
// into Go code.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CatalogEntry is one model's declaration from the JSON catalog. Every
// field beyond ID/Adapter/Enabled is optional and adapter-kind-specific.
type CatalogEntry struct {
	ID            string            `json:"id"`
	Adapter       string            `json:"adapter"`
	BaseURL       string            `json:"base_url"`
	APIKey        string            `json:"api_key"`
	EnabledFlag   *bool             `json:"enabled"`
	Model         string            `json:"model"`
	Endpoint      string            `json:"endpoint"`
	RequestFormat string            `json:"request_format"`
	TimeoutSecs   float64           `json:"timeout"`
	Retry         map[string]any    `json:"retry"`
	Command       string            `json:"command"`
	Args          []string          `json:"args"`
	InputFormat   string            `json:"input_format"`
	OutputFormat  string            `json:"output_format"`
	WorkingDir    string            `json:"working_dir"`
	Env           map[string]string `json:"env"`
	Config        map[string]any    `json:"config"`
	RateLimit     *RateLimitConfig  `json:"rate_limit"`
}

// RateLimitConfig declares one model's optional token-bucket settings.
// A model with no rate_limit block is never throttled.
type RateLimitConfig struct {
	RefillRate float64 `json:"refill_rate"`
	Capacity   int     `json:"capacity"`
}

// isCommentOnly reports whether every populated key in the raw JSON
// object for this entry is underscore-prefixed — such an entry is a
// comment and gets ignored.
func isCommentOnly(raw map[string]json.RawMessage) bool {
	for k := range raw {
		if !strings.HasPrefix(k, "_") {
			return false
		}
	}
	return true
}

// Catalog is the top-level JSON document: {"models": [...]}.
type catalogDoc struct {
	Models []map[string]json.RawMessage `json:"models"`
}

// LoadCatalog reads and parses the JSON catalog at path, skipping
// comment-only entries and resolving ENV:<NAME> secrets in api_key and
// every string value under config/env. An entry whose ENV reference
// can't be resolved keeps the literal "ENV:<NAME>" value, and
// Registry.Reload leaves that entry out as unavailable — never a
// load-time error, so one bad entry can't take down the whole catalog.
func LoadCatalog(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading catalog: %w", err)
	}

	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: parsing catalog: %w", err)
	}

	var entries []CatalogEntry
	for _, raw := range doc.Models {
		if isCommentOnly(raw) {
			continue
		}

		entryBytes, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("registry: re-marshaling catalog entry: %w", err)
		}

		var entry CatalogEntry
		if err := json.Unmarshal(entryBytes, &entry); err != nil {
			return nil, fmt.Errorf("registry: decoding catalog entry %q: %w", entry.ID, err)
		}

		entry.APIKey = resolveEnv(entry.APIKey)
		if entry.Env != nil {
			resolved := make(map[string]string, len(entry.Env))
			for k, v := range entry.Env {
				resolved[k] = resolveEnv(v)
			}
			entry.Env = resolved
		}
		entry.Config = resolveEnvInConfig(entry.Config)

		entries = append(entries, entry)
	}

	return entries, nil
}

// Enabled reports whether the entry should be considered at all
// (enabled defaults to true when omitted).
func (e CatalogEntry) Enabled() bool {
	return e.EnabledFlag == nil || *e.EnabledFlag
}

const envPrefix = "ENV:"

func resolveEnv(value string) string {
	if !strings.HasPrefix(value, envPrefix) {
		return value
	}
	name := strings.TrimPrefix(value, envPrefix)
	if resolved, ok := os.LookupEnv(name); ok {
		return resolved
	}
	return value
}

func resolveEnvInConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if s, ok := v.(string); ok {
			out[k] = resolveEnv(s)
		} else {
			out[k] = v
		}
	}
	return out
}
