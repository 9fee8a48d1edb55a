// Package prompt renders the instruction message that opens every relayed
// conversation.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed system.md
var defaultTemplate string

const (
	defaultOwner = "the site owner"
	defaultSite  = "this website"
)

type Persona struct {
	Owner string
	Site  string
	// File replaces the embedded template when set.
	File string
}

// Load reads the template for p and renders it.
func Load(p Persona) (string, error) {
	template := defaultTemplate
	if path := strings.TrimSpace(p.File); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt template %s: %w", path, err)
		}
		template = string(data)
	}
	rendered := Render(template, p)
	if rendered == "" {
		return "", fmt.Errorf("prompt template is empty")
	}
	return rendered, nil
}

func Render(template string, p Persona) string {
	owner := strings.TrimSpace(p.Owner)
	if owner == "" {
		owner = defaultOwner
	}
	site := strings.TrimSpace(p.Site)
	if site == "" {
		site = defaultSite
	}
	replacer := strings.NewReplacer(
		"{{owner}}", owner,
		"{{site}}", site,
	)
	return strings.TrimSpace(replacer.Replace(template))
}
