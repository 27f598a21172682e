/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gemaudit/pkg/exitcode"
)

func TestCheck_Vulnerable(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Vulnerable)

	for _, want := range []string{
		"Name: rack\n",
		"Version: 1.6.0\n",
		"Advisory: CVE-2015-3225\n",
		"Criticality: Medium\n",
		"Title: Potential Denial of Service Vulnerability in Rack\n",
		"Solution: upgrade to >= 1.6.2\n",
		"Vulnerabilities found!\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "puma") {
		t.Errorf("puma has no advisory and should not be reported:\n%s", out)
	}
}

func TestCheck_Verbose(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db, "-v")
	assertExitCode(t, err, exitcode.Vulnerable)
	if !strings.Contains(out, "Description:\n\n  Carefully crafted requests") {
		t.Errorf("expected wrapped description:\n%s", out)
	}
}

func TestCheck_Clean(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, cleanLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Success)
	if strings.TrimSpace(out) != "No vulnerabilities found" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestCheck_Ignore(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db, "--ignore", "CVE-2015-3225")
	assertExitCode(t, err, exitcode.Success)
	if strings.Contains(out, "CVE-2015-3225") {
		t.Errorf("ignored advisory reported:\n%s", out)
	}
}

func TestCheck_IgnoreFromEnv(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)
	t.Setenv("GEMAUDIT_SCAN_IGNORE", "CVE-2015-3225")

	_, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Success)
}

func TestCheck_InsecureSource(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, insecureLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Vulnerable)
	if strings.Count(out, "Insecure Source URI found: http://insecure.example/repo.git") != 1 {
		t.Errorf("expected exactly one insecure source line:\n%s", out)
	}
}

func TestCheck_InsecureLaterRemote(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, `GEM
  remote: https://rubygems.org/
  remote: http://gems.example.com/
  specs:
    rack (2.2.3)
`)

	out, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Vulnerable)
	if strings.Count(out, "Insecure Source URI found: http://gems.example.com/") != 1 {
		t.Errorf("expected the second remote to be reported once:\n%s", out)
	}
	if strings.Contains(out, "https://rubygems.org/") {
		t.Errorf("secure remote reported:\n%s", out)
	}
}

func TestCheck_TrustedRegistry(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, insecureLockfile)

	_, _, err := execRoot(t, "check", project, "--database", db, "--trusted-registry", "insecure.example")
	assertExitCode(t, err, exitcode.Success)
}

func TestCheck_RegoSourcePolicy(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, cleanLockfile)
	policy := filepath.Join(t.TempDir(), "sources.rego")
	module := "package gemaudit.sources\n\ninsecure if input.host == \"rubygems.org\"\n"
	if err := os.WriteFile(policy, []byte(module), 0o640); err != nil {
		t.Fatal(err)
	}

	out, _, err := execRoot(t, "check", project, "--database", db, "--source-policy", policy)
	assertExitCode(t, err, exitcode.Vulnerable)
	if !strings.Contains(out, "Insecure Source URI found: https://rubygems.org/") {
		t.Errorf("expected policy finding:\n%s", out)
	}
}

func TestCheck_MissingDatabase(t *testing.T) {
	project := writeProject(t, vulnerableLockfile)

	_, _, err := execRoot(t, "check", project, "--database", filepath.Join(t.TempDir(), "nope"))
	assertExitCode(t, err, exitcode.DatabaseError)
	if !strings.Contains(err.Error(), "gemaudit update") {
		t.Errorf("expected update hint, got %v", err)
	}
}

func TestCheck_MissingLockfile(t *testing.T) {
	db := writeAdvisoryDB(t)

	_, _, err := execRoot(t, "check", t.TempDir(), "--database", db)
	assertExitCode(t, err, exitcode.FileSystemError)
}

func TestCheck_MalformedLockfile(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, "GEM\n  remote: https://rubygems.org/\n  specs:\n    rack (not!valid)\n")

	_, _, err := execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.FileSystemError)
}

func TestCheck_BadFormat(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, cleanLockfile)

	_, _, err := execRoot(t, "check", project, "--database", db, "--format", "yaml")
	assertExitCode(t, err, exitcode.ConfigError)
}

func TestCheck_UnknownFlag(t *testing.T) {
	_, _, err := execRoot(t, "check", "--bogus")
	assertExitCode(t, err, exitcode.ConfigError)
}

func TestCheck_JSONToStdout(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)

	out, _, err := execRoot(t, "check", project, "--database", db, "--format", "json")
	assertExitCode(t, err, exitcode.Vulnerable)

	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if doc["vulnerable"] != true {
		t.Errorf("expected vulnerable=true, got %v", doc["vulnerable"])
	}
}

func TestCheck_ReportFile(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)
	reportPath := filepath.Join(t.TempDir(), "audit.html")

	out, _, err := execRoot(t, "check", project, "--database", db, "--format", "html", "-o", reportPath)
	assertExitCode(t, err, exitcode.Vulnerable)
	if !strings.Contains(out, "Report written to "+reportPath) || !strings.Contains(out, "Vulnerabilities found!") {
		t.Errorf("unexpected output:\n%s", out)
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.Contains(string(data), "Vulnerable gems: 1") {
		t.Errorf("unexpected report:\n%s", data)
	}
}

func TestCheck_ConfigFile(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)
	cfgPath := filepath.Join(t.TempDir(), "gemaudit.yaml")
	cfg := "database:\n  path: " + db + "\nscan:\n  ignore:\n    - CVE-2015-3225\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o640); err != nil {
		t.Fatal(err)
	}

	_, _, err := execRoot(t, "--config", cfgPath, "check", project)
	assertExitCode(t, err, exitcode.Success)
}

func TestCheck_CustomLockfileName(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "gems.locked"), []byte(vulnerableLockfile), 0o640); err != nil {
		t.Fatal(err)
	}

	_, _, err := execRoot(t, "check", project, "--database", db, "--gemfile-lock", "gems.locked")
	assertExitCode(t, err, exitcode.Vulnerable)
}
