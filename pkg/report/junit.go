package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/fulmenhq/gemaudit/pkg/scanner"
)

// JUnit writes a JUnit XML document with one failing test case per finding,
// or a single passing case for a clean scan.
func JUnit(w io.Writer, res *scanner.Result, opts Options) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suites.CreateAttr("name", "gemaudit")

	suite := suites.CreateElement("testsuite")
	suite.CreateAttr("name", suiteName(opts))
	suite.CreateAttr("timestamp", opts.generatedAt().Format(time.RFC3339))

	props := suite.CreateElement("properties")
	for _, kv := range [][2]string{
		{"version", opts.Version},
		{"database", opts.Database},
		{"dependencies", strconv.Itoa(res.Dependencies)},
	} {
		if kv[1] == "" {
			continue
		}
		p := props.CreateElement("property")
		p.CreateAttr("name", kv[0])
		p.CreateAttr("value", kv[1])
	}

	tests := 0
	for _, f := range res.Findings {
		tests++
		tc := suite.CreateElement("testcase")
		switch f := f.(type) {
		case scanner.InsecureSource:
			classname := "sources"
			if f.Name != "" {
				classname += "." + f.Name
			}
			tc.CreateAttr("classname", classname)
			tc.CreateAttr("name", f.Source.URI)
			failure := tc.CreateElement("failure")
			failure.CreateAttr("type", string(f.Kind()))
			failure.CreateAttr("message", "Insecure Source URI found: "+f.Source.URI)
		case scanner.UnpatchedGem:
			tc.CreateAttr("classname", "gems."+f.Dependency.Name)
			tc.CreateAttr("name", f.Advisory.PrimaryID())
			failure := tc.CreateElement("failure")
			failure.CreateAttr("type", string(f.Advisory.Criticality))
			failure.CreateAttr("message", fmt.Sprintf("%s %s: %s", f.Dependency.Name, f.Dependency.Version, f.Advisory.Title))
			failure.SetText(junitDetail(f))
		}
	}
	for _, f := range res.Ignored {
		tests++
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("classname", "gems."+f.Dependency.Name)
		tc.CreateAttr("name", f.Advisory.PrimaryID())
		tc.CreateElement("skipped").CreateAttr("message", "ignored")
	}
	if tests == 0 {
		tests = 1
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("classname", "gemaudit")
		tc.CreateAttr("name", Summary(false))
	}

	failures := strconv.Itoa(res.Counts.Total())
	suite.CreateAttr("tests", strconv.Itoa(tests))
	suite.CreateAttr("failures", failures)
	suite.CreateAttr("skipped", strconv.Itoa(len(res.Ignored)))
	suites.CreateAttr("tests", strconv.Itoa(tests))
	suites.CreateAttr("failures", failures)

	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

func suiteName(opts Options) string {
	if opts.Lockfile != "" {
		return opts.Lockfile
	}
	return "Gemfile.lock"
}

func junitDetail(f scanner.UnpatchedGem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Advisory: %s\n", f.Advisory.PrimaryID())
	fmt.Fprintf(&b, "Criticality: %s\n", f.Advisory.Criticality)
	if f.Advisory.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", f.Advisory.URL)
	}
	if patched := solution(f.Advisory.PatchedStrings()); patched != "" {
		fmt.Fprintf(&b, "Solution: upgrade to %s\n", patched)
	} else {
		fmt.Fprintf(&b, "Solution: %s\n", noPatchSolution)
	}
	return b.String()
}
