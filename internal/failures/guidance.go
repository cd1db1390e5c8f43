package failures

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard matches any tool or any code in a guidance entry.
const Wildcard = "*"

const builtinFallback = "Stop repeating the same call and reconsider the approach before retrying."

//go:embed guidance.yaml
var defaultGuidanceYAML []byte

// GuidanceEntry maps a (tool, code) pair to remediation text. Either side may
// be Wildcard.
type GuidanceEntry struct {
	Tool string `yaml:"tool"`
	Code string `yaml:"code"`
	Text string `yaml:"text"`
}

type guidanceDocument struct {
	Fallback string          `yaml:"fallback"`
	Entries  []GuidanceEntry `yaml:"entries"`
}

type guidanceKey struct {
	tool string
	code string
}

// GuidanceTable resolves remediation text for repeated failures.
type GuidanceTable struct {
	entries  map[guidanceKey]string
	fallback string
}

// ParseGuidance reads a YAML guidance document.
func ParseGuidance(data []byte) (*GuidanceTable, error) {
	var doc guidanceDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse guidance: %w", err)
	}

	g := &GuidanceTable{
		entries:  make(map[guidanceKey]string, len(doc.Entries)),
		fallback: strings.TrimSpace(doc.Fallback),
	}
	if g.fallback == "" {
		g.fallback = builtinFallback
	}
	for i, e := range doc.Entries {
		if strings.TrimSpace(e.Text) == "" {
			return nil, fmt.Errorf("guidance entry %d (%s/%s) has no text", i, e.Tool, e.Code)
		}
	}
	g.Add(doc.Entries...)
	return g, nil
}

// DefaultGuidance returns the built-in table.
func DefaultGuidance() *GuidanceTable {
	g, err := ParseGuidance(defaultGuidanceYAML)
	if err != nil {
		// The embedded document is fixed at build time; keep working with the
		// generic fallback if it is ever broken.
		return &GuidanceTable{entries: map[guidanceKey]string{}, fallback: builtinFallback}
	}
	return g
}

// Add registers entries, replacing existing ones with the same key. Empty
// tool or code fields are treated as Wildcard.
func (g *GuidanceTable) Add(entries ...GuidanceEntry) {
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		g.entries[guidanceKey{tool: orWildcard(e.Tool), code: orWildcard(e.Code)}] = text
	}
}

// Lookup returns the most specific text for tool and code. The result is
// never empty.
func (g *GuidanceTable) Lookup(tool, code string) string {
	candidates := []guidanceKey{
		{tool: tool, code: code},
		{tool: tool, code: Wildcard},
		{tool: Wildcard, code: code},
	}
	for _, k := range candidates {
		if text, ok := g.entries[k]; ok {
			return text
		}
	}
	return g.fallback
}

func orWildcard(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}
	return s
}
