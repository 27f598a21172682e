/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gemaudit/pkg/exitcode"
)

func TestUpdate_DownloadThenRefresh(t *testing.T) {
	remote := fmt.Sprintf("file://%s", initAdvisoryRemote(t))
	target := filepath.Join(t.TempDir(), "ruby-advisory-db")

	out, _, err := execRoot(t, "update", "--database", target, "--url", remote)
	assertExitCode(t, err, exitcode.Success)
	for _, want := range []string{"Updating ruby-advisory-db ...", "Updated ruby-advisory-db", "ruby-advisory-db: 1 advisories"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// Second run fetches into the existing checkout.
	out, _, err = execRoot(t, "update", "--database", target, "--url", remote)
	assertExitCode(t, err, exitcode.Success)
	if !strings.Contains(out, "ruby-advisory-db: 1 advisories") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestUpdate_UnreachableRemote(t *testing.T) {
	target := filepath.Join(t.TempDir(), "ruby-advisory-db")
	remote := fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "missing"))

	out, _, err := execRoot(t, "update", "--database", target, "--url", remote, "--timeout", "5s")
	assertExitCode(t, err, exitcode.DatabaseError)
	if !strings.Contains(out, "Failed updating ruby-advisory-db!") {
		t.Errorf("expected failure line:\n%s", out)
	}
}

func TestUpdate_FailureKeepsExistingDatabase(t *testing.T) {
	db := writeAdvisoryDB(t)
	project := writeProject(t, vulnerableLockfile)
	remote := fmt.Sprintf("file://%s", filepath.Join(t.TempDir(), "missing"))

	// db is not a git checkout, so the sync step fails.
	_, _, err := execRoot(t, "check", project, "--database", db, "--url", remote, "--update")
	assertExitCode(t, err, exitcode.DatabaseError)

	_, _, err = execRoot(t, "check", project, "--database", db)
	assertExitCode(t, err, exitcode.Vulnerable)
}

func TestCheck_UpdateFirst(t *testing.T) {
	remote := fmt.Sprintf("file://%s", initAdvisoryRemote(t))
	target := filepath.Join(t.TempDir(), "ruby-advisory-db")
	project := writeProject(t, vulnerableLockfile)

	out, _, err := execRoot(t, "check", project, "--database", target, "--url", remote, "-u")
	assertExitCode(t, err, exitcode.Vulnerable)
	if !strings.Contains(out, "Updated ruby-advisory-db") || !strings.Contains(out, "Advisory: CVE-2015-3225") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
