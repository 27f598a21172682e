package scanner

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/advisorydb"
	"github.com/fulmenhq/gemaudit/pkg/gemversion"
	"github.com/fulmenhq/gemaudit/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rubygems = manifest.Source{Type: manifest.SourceRegistry, URI: "https://rubygems.org/"}

func mustAdvisory(t *testing.T, id, body string) *advisory.Advisory {
	t.Helper()
	adv, err := advisory.Decode(id, "gems/"+id+".yml", []byte(body))
	require.NoError(t, err)
	return adv
}

func dep(name, version string, source manifest.Source) manifest.Dependency {
	return manifest.Dependency{Name: name, Version: gemversion.MustParse(version), Source: source}
}

func testSnapshot(t *testing.T) *advisorydb.Snapshot {
	t.Helper()
	return advisorydb.NewSnapshot(
		mustAdvisory(t, "CVE-2015-3225", "gem: rack\ncve: 2015-3225\ncriticality: medium\ntitle: rack DoS\npatched_versions:\n  - \">= 1.6.2\"\n"),
		mustAdvisory(t, "CVE-2020-0001", "gem: rack\ncve: 2020-0001\ncvss_v3: 9.1\npatched_versions:\n  - \">= 2.2.0\"\n"),
		mustAdvisory(t, "OSVDB-0002", "gem: nokogiri\nosvdb: 0002\nunaffected_versions:\n  - \"< 1.5.0\"\npatched_versions:\n  - \"~> 1.10.4\"\n  - \">= 1.11.0\"\n"),
		mustAdvisory(t, "GHSA-aaaa-bbbb-cccc", "gem: rails\nghsa: aaaa-bbbb-cccc\n"),
	)
}

func collect(seq iter.Seq[Finding]) []Finding {
	var out []Finding
	for f := range seq {
		out = append(out, f)
	}
	return out
}

func TestScan_UnpatchedGem(t *testing.T) {
	snap := advisorydb.NewSnapshot(
		mustAdvisory(t, "CVE-2015-3225", "gem: rack\ncve: 2015-3225\ncriticality: high\npatched_versions:\n  - \">= 1.6.2\"\n"),
	)
	findings := collect(New(snap).Scan(context.Background(), []manifest.Dependency{dep("rack", "1.6.0", rubygems)}))

	require.Len(t, findings, 1)
	gem, ok := findings[0].(UnpatchedGem)
	require.True(t, ok)
	assert.Equal(t, KindUnpatchedGem, gem.Kind())
	assert.Equal(t, "rack", gem.Dependency.Name)
	assert.Equal(t, advisory.CriticalityHigh, gem.Advisory.Criticality)
}

func TestScan_MultipleAdvisoriesPerGem(t *testing.T) {
	findings := collect(New(testSnapshot(t)).Scan(context.Background(), []manifest.Dependency{dep("rack", "1.6.0", rubygems)}))
	require.Len(t, findings, 2)
	assert.Equal(t, "CVE-2015-3225", findings[0].(UnpatchedGem).Advisory.PrimaryID())
	assert.Equal(t, "CVE-2020-0001", findings[1].(UnpatchedGem).Advisory.PrimaryID())
}

func TestScan_NoAdvisory(t *testing.T) {
	deps := []manifest.Dependency{
		dep("puma", "5.0.0", rubygems),
		dep("rack", "2.2.3", rubygems),
		dep("nokogiri", "1.4.0", rubygems),
		dep("nokogiri", "1.10.5", rubygems),
	}
	assert.Empty(t, collect(New(testSnapshot(t)).Scan(context.Background(), deps)))
}

func TestScan_NoFixAlwaysVulnerable(t *testing.T) {
	findings := collect(New(testSnapshot(t)).Scan(context.Background(), []manifest.Dependency{dep("rails", "7.1.0", rubygems)}))
	require.Len(t, findings, 1)
	assert.False(t, findings[0].(UnpatchedGem).Advisory.HasFix())
}

func TestScan_InsecureSource(t *testing.T) {
	insecure := manifest.Source{Type: manifest.SourceGit, URI: "http://insecure.example/repo.git"}
	findings := collect(New(testSnapshot(t)).Scan(context.Background(), []manifest.Dependency{dep("internal-gem", "0.1.0", insecure)}))

	require.Len(t, findings, 1)
	src, ok := findings[0].(InsecureSource)
	require.True(t, ok)
	assert.Equal(t, "internal-gem", src.Name)
	assert.Equal(t, insecure, src.Source)
}

func TestScan_InsecureSourceReportedOncePerSource(t *testing.T) {
	insecure := manifest.Source{Type: manifest.SourceGit, URI: "git://github.com/rails/rails.git", Revision: "abc"}
	deps := []manifest.Dependency{
		dep("actionpack", "7.0.0", insecure),
		dep("activesupport", "7.0.0", insecure),
	}
	findings := collect(New(testSnapshot(t), WithConcurrency(1)).Scan(context.Background(), deps))
	require.Len(t, findings, 1)
	assert.Equal(t, "actionpack", findings[0].(InsecureSource).Name)
}

func TestScan_InsecureSourceAndAdvisory(t *testing.T) {
	httpRegistry := manifest.Source{Type: manifest.SourceRegistry, URI: "http://rubygems.org/"}
	findings := collect(New(testSnapshot(t)).Scan(context.Background(), []manifest.Dependency{dep("rack", "2.1.0", httpRegistry)}))

	require.Len(t, findings, 2)
	assert.Equal(t, KindInsecureSource, findings[0].Kind())
	assert.Equal(t, KindUnpatchedGem, findings[1].Kind())
}

func TestScan_DeclaredSources(t *testing.T) {
	mirror := manifest.Source{Type: manifest.SourceRegistry, URI: "http://gems.example.com/"}
	deps := []manifest.Dependency{dep("rack", "2.2.3", rubygems)}

	findings := collect(New(testSnapshot(t)).Scan(context.Background(), deps))
	assert.Empty(t, findings, "without declared sources only dependency sources are checked")

	findings = collect(New(testSnapshot(t), WithSources(rubygems, mirror)).Scan(context.Background(), deps))
	require.Len(t, findings, 1)
	src, ok := findings[0].(InsecureSource)
	require.True(t, ok)
	assert.Equal(t, mirror, src.Source)
	assert.Empty(t, src.Name)
	assert.Equal(t, "insecure source http://gems.example.com/", src.String())
}

func TestScan_DeclaredSourceSettledOnce(t *testing.T) {
	insecure := manifest.Source{Type: manifest.SourceGit, URI: "git://github.com/rails/rails.git", Revision: "abc"}
	deps := []manifest.Dependency{
		dep("rack", "2.2.3", rubygems),
		dep("actionpack", "7.0.0", insecure),
	}
	findings := collect(New(testSnapshot(t), WithSources(insecure, insecure, rubygems)).Scan(context.Background(), deps))

	require.Len(t, findings, 1)
	src := findings[0].(InsecureSource)
	assert.Equal(t, "actionpack", src.Name)
	assert.Equal(t, insecure, src.Source)
}

func TestScan_Ignore(t *testing.T) {
	tests := []struct {
		name   string
		ignore []string
		want   []string
	}{
		{"none", nil, []string{"CVE-2015-3225", "CVE-2020-0001"}},
		{"by cve", []string{"CVE-2020-0001"}, []string{"CVE-2015-3225"}},
		{"case insensitive", []string{"cve-2015-3225"}, []string{"CVE-2020-0001"}},
		{"by gem", []string{"rack"}, nil},
		{"unrelated", []string{"CVE-1999-9999", " "}, []string{"CVE-2015-3225", "CVE-2020-0001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testSnapshot(t), WithIgnore(tt.ignore...))
			res, err := s.Run(context.Background(), []manifest.Dependency{dep("rack", "1.6.0", rubygems)})
			require.NoError(t, err)

			var got []string
			for _, f := range res.Findings {
				got = append(got, f.(UnpatchedGem).Advisory.PrimaryID())
			}
			assert.Equal(t, tt.want, got)
			assert.Len(t, res.Ignored, 2-len(tt.want), "ignored matches are still evaluated")
		})
	}
}

func TestScan_Idempotent(t *testing.T) {
	s := New(testSnapshot(t))
	deps := manyDeps(50)
	first := collect(s.Scan(context.Background(), deps))
	second := collect(s.Scan(context.Background(), deps))
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestScan_DeterministicAcrossConcurrency(t *testing.T) {
	deps := manyDeps(97)
	snap := testSnapshot(t)
	want := collect(New(snap, WithConcurrency(1)).Scan(context.Background(), deps))
	for _, n := range []int{2, 3, 8, 64, 200} {
		t.Run(fmt.Sprintf("concurrency=%d", n), func(t *testing.T) {
			got := collect(New(snap, WithConcurrency(n)).Scan(context.Background(), deps))
			assert.Equal(t, want, got)
		})
	}
}

func TestScan_PullStopsEarly(t *testing.T) {
	s := New(testSnapshot(t), WithConcurrency(2))
	next, stop := iter.Pull(s.Scan(context.Background(), manyDeps(40)))
	defer stop()

	first, ok := next()
	require.True(t, ok)
	assert.NotNil(t, first)
	stop()
	_, ok = next()
	assert.False(t, ok)
}

func TestEach_StopSignal(t *testing.T) {
	s := New(testSnapshot(t))
	var seen []Finding
	err := s.Each(context.Background(), manyDeps(20), func(f Finding) bool {
		seen = append(seen, f)
		return len(seen) < 3
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testSnapshot(t)).Run(ctx, manyDeps(5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Counts(t *testing.T) {
	insecure := manifest.Source{Type: manifest.SourceGit, URI: "http://insecure.example/repo.git"}
	deps := []manifest.Dependency{
		dep("rack", "1.6.0", rubygems),
		dep("rails", "6.0.0", rubygems),
		dep("internal", "0.1.0", insecure),
	}
	res, err := New(testSnapshot(t)).Run(context.Background(), deps)
	require.NoError(t, err)

	assert.True(t, res.Vulnerable())
	assert.Equal(t, 3, res.Dependencies)
	assert.Equal(t, Counts{InsecureSources: 1, UnpatchedGems: 3, VulnerableGems: 2}, res.Counts)
	assert.Equal(t, 4, res.Counts.Total())
}

func TestRun_Clean(t *testing.T) {
	res, err := New(advisorydb.NewSnapshot()).Run(context.Background(), []manifest.Dependency{dep("rack", "1.6.0", rubygems)})
	require.NoError(t, err)
	assert.False(t, res.Vulnerable())
	assert.Zero(t, res.Counts.Total())
}

type stubPolicy struct {
	insecure bool
	err      error
}

func (p stubPolicy) Insecure(context.Context, manifest.Source) (bool, error) { return p.insecure, p.err }

func TestScan_PolicyErrorTreatedAsSecure(t *testing.T) {
	s := New(testSnapshot(t), WithSourcePolicy(stubPolicy{insecure: true, err: fmt.Errorf("boom")}))
	findings := collect(s.Scan(context.Background(), []manifest.Dependency{dep("puma", "5.0.0", rubygems)}))
	assert.Empty(t, findings)
}

func TestScanner_ConcurrentScans(t *testing.T) {
	s := New(testSnapshot(t), WithConcurrency(4))
	deps := manyDeps(30)
	want := collect(s.Scan(context.Background(), deps))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, collect(s.Scan(context.Background(), deps)))
		}()
	}
	wg.Wait()
}

func TestScan_UsesDatabaseHandle(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "rack", "CVE-2015-3225", "gem: rack\ncve: 2015-3225\npatched_versions:\n  - \">= 1.6.2\"\n")
	db, err := advisorydb.Open(root)
	require.NoError(t, err)

	findings := collect(New(db).Scan(context.Background(), []manifest.Dependency{dep("rack", "1.6.0", rubygems)}))
	require.Len(t, findings, 1)
}

// manyDeps cycles through gems with and without advisories, some from
// insecure sources.
func manyDeps(n int) []manifest.Dependency {
	templates := []struct {
		name, version string
		source        manifest.Source
	}{
		{"rack", "1.6.0", rubygems},
		{"puma", "5.0.0", rubygems},
		{"nokogiri", "1.9.0", rubygems},
		{"rails", "5.0.0", rubygems},
		{"private", "0.1.0", manifest.Source{Type: manifest.SourceGit, URI: "git://git.example/private.git"}},
	}
	deps := make([]manifest.Dependency, 0, n)
	for i := 0; i < n; i++ {
		tpl := templates[i%len(templates)]
		src := tpl.source
		if src.Type == manifest.SourceGit {
			src.Revision = fmt.Sprintf("rev%d", i)
		}
		deps = append(deps, dep(tpl.name, tpl.version, src))
	}
	return deps
}

func writeRecord(t *testing.T, root, gem, id, body string) {
	t.Helper()
	dir := filepath.Join(root, "gems", gem)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yml"), []byte(body), 0o640))
}
