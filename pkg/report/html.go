package report

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/fulmenhq/gemaudit/pkg/scanner"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/report.html.hbs
var htmlTemplate string

// htmlTemplateOnce parses the template and registers its helpers once; the
// parsed template is safe for concurrent Exec.
var htmlTemplateOnce = sync.OnceValues(func() (*raymond.Template, error) {
	tpl, err := raymond.Parse(htmlTemplate)
	if err != nil {
		return nil, err
	}
	tpl.RegisterHelper("criticalityClass", func(label string) string {
		return "criticality-" + strings.ToLower(label)
	})
	return tpl, nil
})

type htmlSource struct {
	Name string `handlebars:"name"`
	URI  string `handlebars:"uri"`
}

type htmlAdvisory struct {
	Name        string `handlebars:"name"`
	Version     string `handlebars:"version"`
	ID          string `handlebars:"id"`
	URL         string `handlebars:"url"`
	Criticality string `handlebars:"criticality"`
	Title       string `handlebars:"title"`
	Solution    string `handlebars:"solution"`
}

// HTML writes a standalone HTML page with header counts, the list of insecure
// sources and a table of advisories.
func HTML(w io.Writer, res *scanner.Result, opts Options) error {
	tpl, err := htmlTemplateOnce()
	if err != nil {
		return fmt.Errorf("parse HTML template: %w", err)
	}

	var (
		sources    []htmlSource
		advisories []htmlAdvisory
	)
	title := cases.Title(language.English)
	for _, f := range res.Findings {
		switch f := f.(type) {
		case scanner.InsecureSource:
			sources = append(sources, htmlSource{Name: f.Name, URI: f.Source.URI})
		case scanner.UnpatchedGem:
			text := f.Advisory.Title
			if opts.Verbose && f.Advisory.Description != "" {
				text = f.Advisory.Description
			}
			advisories = append(advisories, htmlAdvisory{
				Name:        f.Dependency.Name,
				Version:     f.Dependency.Version.String(),
				ID:          f.Advisory.PrimaryID(),
				URL:         f.Advisory.URL,
				Criticality: title.String(string(f.Advisory.Criticality)),
				Title:       text,
				Solution:    solution(f.Advisory.PatchedStrings()),
			})
		}
	}

	out, err := tpl.Exec(map[string]interface{}{
		"lockfile":     opts.Lockfile,
		"database":     opts.Database,
		"version":      opts.Version,
		"generatedAt":  opts.generatedAt().Format(time.RFC3339),
		"vulnerable":   res.Vulnerable(),
		"dependencies": res.Dependencies,
		"counts":       res.Counts,
		"sources":      sources,
		"advisories":   advisories,
	})
	if err != nil {
		return fmt.Errorf("render HTML report: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}
