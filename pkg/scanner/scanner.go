// Package scanner matches resolved dependencies against an advisory snapshot
// and a source policy, producing findings in manifest order.
package scanner

import (
	"context"
	"iter"
	"runtime"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/advisorydb"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/fulmenhq/gemaudit/pkg/manifest"
	"golang.org/x/sync/errgroup"
)

// Advisories is satisfied by *advisorydb.Database and *advisorydb.Snapshot.
type Advisories interface {
	Snapshot() *advisorydb.Snapshot
}

// Scanner holds scan configuration. It keeps no state between scans and is
// safe for concurrent use.
type Scanner struct {
	db          Advisories
	ignore      []string
	concurrency int
	policy      SourcePolicy
	sources     []manifest.Source
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIgnore suppresses advisories by CVE, OSVDB, GHSA or record ID, or every
// advisory for a gem by its exact name.
func WithIgnore(ids ...string) Option {
	return func(s *Scanner) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				s.ignore = append(s.ignore, id)
			}
		}
	}
}

// WithConcurrency sets how many dependencies are evaluated in parallel.
// Values below one select the number of CPUs.
func WithConcurrency(n int) Option {
	return func(s *Scanner) { s.concurrency = n }
}

// WithSourcePolicy replaces the default SchemePolicy.
func WithSourcePolicy(p SourcePolicy) Option {
	return func(s *Scanner) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithSources declares every source the lockfile lists, in file order. Each
// is checked against the policy even when no dependency resolves from it,
// such as the later remotes of a multi-remote GEM block.
func WithSources(sources ...manifest.Source) Option {
	return func(s *Scanner) { s.sources = append(s.sources, sources...) }
}

// New returns a Scanner reading advisories from db.
func New(db Advisories, opts ...Option) *Scanner {
	s := &Scanner{db: db, policy: NewSchemePolicy()}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = runtime.NumCPU()
	}
	return s
}

// Result is the eager outcome of a scan.
type Result struct {
	Findings []Finding
	// Ignored holds matches suppressed by the ignore list.
	Ignored      []UnpatchedGem
	Counts       Counts
	Dependencies int
}

// Vulnerable reports whether any finding was emitted.
func (r *Result) Vulnerable() bool { return len(r.Findings) > 0 }

// Scan returns a lazy sequence of findings. Each range over the sequence
// re-evaluates from scratch against the snapshot current at that time;
// stopping the range stops evaluation after the current window.
func (s *Scanner) Scan(ctx context.Context, deps []manifest.Dependency) iter.Seq[Finding] {
	return func(yield func(Finding) bool) {
		_ = s.walk(ctx, deps, yield, nil)
	}
}

// Each pushes findings to fn in manifest order until fn returns false.
func (s *Scanner) Each(ctx context.Context, deps []manifest.Dependency, fn func(Finding) bool) error {
	return s.walk(ctx, deps, fn, nil)
}

// Run collects every finding.
func (s *Scanner) Run(ctx context.Context, deps []manifest.Dependency) (*Result, error) {
	res := &Result{Dependencies: len(deps)}
	err := s.walk(ctx, deps,
		func(f Finding) bool {
			res.Findings = append(res.Findings, f)
			return true
		},
		func(f UnpatchedGem) { res.Ignored = append(res.Ignored, f) })
	if err != nil {
		return nil, err
	}
	res.Counts = Count(res.Findings)
	return res, nil
}

// evaluation is the outcome for one dependency.
type evaluation struct {
	insecure   bool
	advisories []*advisory.Advisory
}

// walk checks the declared sources first, then evaluates deps in windows of
// s.concurrency and emits each window in manifest order. Every distinct
// source is settled once.
func (s *Scanner) walk(ctx context.Context, deps []manifest.Dependency, emit func(Finding) bool, ignored func(UnpatchedGem)) error {
	var snap *advisorydb.Snapshot
	if s.db != nil {
		snap = s.db.Snapshot()
	}
	settled := make(map[manifest.Source]bool)
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if settled[src] {
			continue
		}
		settled[src] = true
		name := firstUser(deps, src)
		if s.insecure(ctx, name, src) && !emit(InsecureSource{Name: name, Source: src}) {
			return nil
		}
	}

	evals := make([]evaluation, s.concurrency)

	for start := 0; start < len(deps); start += s.concurrency {
		if err := ctx.Err(); err != nil {
			return err
		}
		window := deps[start:min(start+s.concurrency, len(deps))]

		g, gctx := errgroup.WithContext(ctx)
		for i, dep := range window {
			g.Go(func() error {
				evals[i] = s.evaluate(gctx, snap, dep)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, dep := range window {
			ev := evals[i]
			if ev.insecure && !settled[dep.Source] {
				settled[dep.Source] = true
				if !emit(InsecureSource{Name: dep.Name, Source: dep.Source}) {
					return nil
				}
			}
			for _, adv := range ev.advisories {
				finding := UnpatchedGem{Dependency: dep, Advisory: adv}
				if s.ignores(adv) {
					if ignored != nil {
						ignored(finding)
					}
					continue
				}
				if !emit(finding) {
					return nil
				}
			}
		}
	}
	return nil
}

func (s *Scanner) evaluate(ctx context.Context, snap *advisorydb.Snapshot, dep manifest.Dependency) evaluation {
	ev := evaluation{insecure: s.insecure(ctx, dep.Name, dep.Source)}

	for _, adv := range snap.AdvisoriesFor(dep.Name) {
		if adv.IsVulnerable(dep.Version) {
			ev.advisories = append(ev.advisories, adv)
		}
	}
	return ev
}

// insecure asks the policy about src. Policy errors are logged and the source
// is treated as secure.
func (s *Scanner) insecure(ctx context.Context, name string, src manifest.Source) bool {
	insecure, err := s.policy.Insecure(ctx, src)
	if err != nil {
		logger.Warn("source policy failed; treating source as secure",
			logger.String("gem", name), logger.String("source", src.URI), logger.Err(err))
		return false
	}
	return insecure
}

// firstUser names the first dependency resolved from src, or "" when none is.
func firstUser(deps []manifest.Dependency, src manifest.Source) string {
	for _, dep := range deps {
		if dep.Source == src {
			return dep.Name
		}
	}
	return ""
}

func (s *Scanner) ignores(adv *advisory.Advisory) bool {
	for _, id := range s.ignore {
		if id == adv.Gem || adv.HasIdentifier(id) {
			return true
		}
	}
	return false
}
