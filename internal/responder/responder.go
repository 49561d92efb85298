// Package responder renders user-facing text from a YAML message catalog.
//
// The catalog is a two level map (section, key) flattened into "section.key"
// lookups. Placeholders use the ${name} form; variable values are HTML-escaped
// because every transport accepts the Telegram HTML subset or plain text.
package responder

import (
	_ "embed"
	"fmt"
	"html"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed en.yaml
var defaultCatalog []byte

var placeholderRe = regexp.MustCompile(`\$\{([a-z0-9_]+)\}`)

// Catalog is an immutable set of message templates.
type Catalog struct {
	texts map[string]string
}

// Default returns the embedded English catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("responder: embedded catalog: %v", err))
	}
	return c
}

// Load reads the embedded catalog and overlays the templates found at path.
// An empty path returns the embedded catalog.
func Load(path string) (*Catalog, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("responder: read %s: %w", path, err)
	}
	over, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for k, v := range over.texts {
		base.texts[k] = v
	}
	return base, nil
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var sections map[string]map[string]string
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("responder: parse catalog: %w", err)
	}
	texts := make(map[string]string)
	for section, entries := range sections {
		for key, text := range entries {
			texts[section+"."+key] = text
		}
	}
	return &Catalog{texts: texts}, nil
}

// Text renders the template for key. Unknown keys render as the key itself so a
// missing translation is visible instead of producing an empty message.
func (c *Catalog) Text(key string, vars map[string]string) string {
	tmpl, ok := c.texts[key]
	if !ok {
		return key
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return html.EscapeString(v)
		}
		return m
	})
}

// Has reports whether key exists in the catalog.
func (c *Catalog) Has(key string) bool {
	_, ok := c.texts[key]
	return ok
}
