package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/gemversion"
)

// ErrInvalidLockfile is wrapped by every lockfile parse failure.
var ErrInvalidLockfile = errors.New("invalid Gemfile.lock")

// ParseError locates a lockfile parse failure.
type ParseError struct {
	Path string
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	where := fmt.Sprintf("line %d", e.Line)
	if e.Path != "" {
		where = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	return fmt.Sprintf("%s: %s: %q: %v", ErrInvalidLockfile, where, e.Text, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrInvalidLockfile, e.Err} }

// Lockfile is a parsed Gemfile.lock.
type Lockfile struct {
	Path        string
	Platforms   []string
	BundledWith string

	sources      []Source
	dependencies []Dependency
}

// Dependencies returns the resolved gems in file order.
func (l *Lockfile) Dependencies() []Dependency {
	out := make([]Dependency, len(l.dependencies))
	copy(out, l.dependencies)
	return out
}

// Sources returns the distinct declared sources in file order.
func (l *Lockfile) Sources() []Source {
	out := make([]Source, len(l.sources))
	copy(out, l.sources)
	return out
}

// LoadLockfile reads and parses the lockfile at path.
func LoadLockfile(path string) (*Lockfile, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the user's chosen lockfile
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	lock, err := ParseLockfile(f)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return nil, err
	}
	lock.Path = path
	return lock, nil
}

type section int

const (
	sectionNone section = iota
	sectionGem
	sectionGit
	sectionPath
	sectionPlatforms
	sectionBundledWith
	sectionOther
)

// parser holds the state of the source block being read.
type parser struct {
	lock    *Lockfile
	seen    map[string]bool
	section section
	current Source
	remotes []Source
	inSpecs bool
}

// ParseLockfile parses Gemfile.lock content. Nested requirement lines under
// a spec are ignored; only resolved name/version pairs become dependencies.
func ParseLockfile(r io.Reader) (*Lockfile, error) {
	p := &parser{lock: &Lockfile{}, seen: make(map[string]bool)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if err := p.line(line); err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read Gemfile.lock: %w", err)
	}
	p.flush()
	return p.lock, nil
}

func (p *parser) line(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if line[0] != ' ' {
		p.flush()
		p.openSection(strings.TrimSpace(line))
		return nil
	}

	indent := len(line) - len(strings.TrimLeft(line, " "))
	text := strings.TrimSpace(line)

	switch p.section {
	case sectionGem, sectionGit, sectionPath:
		return p.sourceLine(indent, text)
	case sectionPlatforms:
		p.lock.Platforms = append(p.lock.Platforms, text)
	case sectionBundledWith:
		p.lock.BundledWith = text
	}
	return nil
}

func (p *parser) openSection(name string) {
	p.current = Source{}
	p.remotes = nil
	p.inSpecs = false
	switch name {
	case "GEM":
		p.section = sectionGem
		p.current.Type = SourceRegistry
	case "GIT":
		p.section = sectionGit
		p.current.Type = SourceGit
	case "PATH":
		p.section = sectionPath
		p.current.Type = SourcePath
	case "PLATFORMS":
		p.section = sectionPlatforms
	case "BUNDLED WITH":
		p.section = sectionBundledWith
	default:
		p.section = sectionOther
	}
}

func (p *parser) sourceLine(indent int, text string) error {
	if indent == 2 {
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return fmt.Errorf("expected key: value")
		}
		value = strings.TrimSpace(value)
		switch key {
		case "remote":
			p.addRemote(value)
		case "revision":
			p.current.Revision = value
		case "branch", "tag", "ref":
			p.current.Ref = value
		case "specs":
			p.inSpecs = true
			p.flushSources()
		}
		return nil
	}
	if !p.inSpecs || indent != 4 {
		return nil
	}

	dep, err := parseSpec(text)
	if err != nil {
		return err
	}
	dep.Source = p.primary()
	p.lock.dependencies = append(p.lock.dependencies, dep)
	return nil
}

// addRemote records a remote line. Registry blocks written by older Bundler
// versions may list several.
func (p *parser) addRemote(uri string) {
	if p.section == sectionGem {
		p.remotes = append(p.remotes, Source{Type: SourceRegistry, URI: uri})
		return
	}
	p.current.URI = uri
}

func (p *parser) primary() Source {
	if p.section == sectionGem {
		if len(p.remotes) == 0 {
			return Source{Type: SourceRegistry}
		}
		return p.remotes[0]
	}
	return p.current
}

// flushSources registers the sources of the block being read.
func (p *parser) flushSources() {
	if p.section == sectionGem {
		for _, remote := range p.remotes {
			p.addSource(remote)
		}
		return
	}
	if p.section == sectionGit || p.section == sectionPath {
		p.addSource(p.current)
	}
}

func (p *parser) flush() {
	if !p.inSpecs {
		p.flushSources()
	}
}

func (p *parser) addSource(s Source) {
	if s.URI == "" || p.seen[s.key()] {
		return
	}
	p.seen[s.key()] = true
	p.lock.sources = append(p.lock.sources, s)
}

// parseSpec parses "name (version[-platform])". The platform starts at the
// first dash, as Bundler writes it.
func parseSpec(text string) (Dependency, error) {
	open := strings.IndexByte(text, '(')
	if open <= 0 || !strings.HasSuffix(text, ")") {
		return Dependency{}, fmt.Errorf("expected name (version)")
	}
	name := strings.TrimSpace(text[:open])
	raw := strings.TrimSpace(text[open+1 : len(text)-1])

	versionText, platform, _ := strings.Cut(raw, "-")
	version, err := gemversion.Parse(versionText)
	if err != nil {
		return Dependency{}, err
	}
	return Dependency{Name: name, Version: version, Platform: platform}, nil
}
