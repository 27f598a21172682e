package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/scanner"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	ansiRed    = "31"
	ansiGreen  = "32"
	ansiYellow = "33"
	ansiBold   = "1"
)

// Text writes findings one at a time, suitable for streaming from
// scanner.Each.
type Text struct {
	w    io.Writer
	opts Options
	err  error
}

// NewText returns a text renderer writing to w.
func NewText(w io.Writer, opts Options) *Text {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	return &Text{w: w, opts: opts}
}

// Err returns the first write error.
func (t *Text) Err() error { return t.err }

// WriteResult renders every finding followed by the summary line.
func (t *Text) WriteResult(res *scanner.Result) error {
	for _, f := range res.Findings {
		t.WriteFinding(f)
	}
	t.WriteSummary(res.Vulnerable())
	return t.err
}

// WriteFinding renders one finding. It reports false once writing failed so
// it can be passed straight to scanner.Each.
func (t *Text) WriteFinding(f scanner.Finding) bool {
	switch f := f.(type) {
	case scanner.InsecureSource:
		t.println(t.color("Insecure Source URI found: "+f.Source.URI, ansiYellow))
	case scanner.UnpatchedGem:
		t.writeAdvisory(f)
	}
	return t.err == nil
}

// WriteSummary prints the closing verdict.
func (t *Text) WriteSummary(vulnerable bool) {
	if vulnerable {
		t.println(t.color(Summary(true), ansiRed))
		return
	}
	t.println(t.color(Summary(false), ansiGreen))
}

func (t *Text) writeAdvisory(f scanner.UnpatchedGem) {
	adv := f.Advisory
	t.field("Name", f.Dependency.Name)
	t.field("Version", f.Dependency.Version.String())
	t.field("Advisory", adv.PrimaryID())
	t.field("Criticality", t.criticality(adv.Criticality))
	t.field("URL", adv.URL)

	if t.opts.Verbose {
		t.println(t.color("Description:", ansiRed))
		t.println("")
		for _, line := range wrap(adv.Description, t.opts.Width-2) {
			t.println("  " + line)
		}
		t.println("")
	} else {
		t.field("Title", adv.Title)
	}

	if adv.HasFix() {
		t.println(t.color("Solution: upgrade to ", ansiRed) + solution(adv.PatchedStrings()))
	} else {
		t.println(t.color("Solution: ", ansiRed) + t.color(noPatchSolution, ansiRed, ansiBold))
	}
	t.println("")
}

func (t *Text) criticality(c advisory.Criticality) string {
	label := cases.Title(language.English).String(string(c))
	switch c {
	case advisory.CriticalityMedium:
		return t.color(label, ansiYellow)
	case advisory.CriticalityHigh:
		return t.color(label, ansiRed, ansiBold)
	default:
		return label
	}
}

func (t *Text) field(name, value string) {
	t.println(t.color(name+": ", ansiRed) + value)
}

func (t *Text) color(s string, codes ...string) string {
	if !t.opts.Color || s == "" {
		return s
	}
	return "\x1b[" + strings.Join(codes, ";") + "m" + s + "\x1b[0m"
}

func (t *Text) println(s string) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintln(t.w, s)
}

// wrap breaks text into lines no wider than width display columns,
// collapsing whitespace. Paragraph breaks are kept.
func wrap(text string, width int) []string {
	if width < 20 {
		width = 20
	}
	var lines []string
	for i, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		if i > 0 {
			lines = append(lines, "")
		}
		var line strings.Builder
		lineWidth := 0
		for _, word := range strings.Fields(para) {
			w := runewidth.StringWidth(word)
			if lineWidth > 0 && lineWidth+1+w > width {
				lines = append(lines, line.String())
				line.Reset()
				lineWidth = 0
			}
			if lineWidth > 0 {
				line.WriteByte(' ')
				lineWidth++
			}
			line.WriteString(word)
			lineWidth += w
		}
		if line.Len() > 0 {
			lines = append(lines, line.String())
		}
	}
	return lines
}
