/*
Copyright © 2025 3 Leaps <info@3leaps.net>
*/
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/exitcode"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const rackAdvisoryYAML = `---
gem: rack
cve: 2015-3225
url: https://groups.google.com/forum/#!topic/rubyonrails-security/gcUbICUmKMc
title: Potential Denial of Service Vulnerability in Rack
date: 2015-06-16
description: Carefully crafted requests can cause a SystemStackError.
criticality: medium
patched_versions:
  - ">= 1.6.2"
`

const vulnerableLockfile = `GEM
  remote: https://rubygems.org/
  specs:
    rack (1.6.0)
    puma (5.0.0)

PLATFORMS
  ruby

DEPENDENCIES
  puma
  rack
`

const cleanLockfile = `GEM
  remote: https://rubygems.org/
  specs:
    rack (1.6.2)

DEPENDENCIES
  rack
`

const insecureLockfile = `GIT
  remote: http://insecure.example/repo.git
  revision: 8d8f4e6f
  specs:
    internal (0.1.0)

GEM
  remote: https://rubygems.org/
  specs:
    puma (5.0.0)
`

// execRoot runs a fresh command tree and returns stdout, stderr and the error.
func execRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("GEMAUDIT_HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")

	cmd := newRootCommand()
	var outBuf, errBuf bytes.Buffer
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

// writeAdvisoryDB creates a database directory holding the rack advisory.
func writeAdvisoryDB(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "gems", "rack")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CVE-2015-3225.yml"), []byte(rackAdvisoryYAML), 0o640); err != nil {
		t.Fatalf("write advisory: %v", err)
	}
	return root
}

func writeProject(t *testing.T, lockfile string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Gemfile.lock"), []byte(lockfile), 0o640); err != nil {
		t.Fatalf("write lockfile: %v", err)
	}
	return dir
}

func initAdvisoryRemote(t *testing.T) string {
	t.Helper()
	dir := writeAdvisoryDB(t)
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init test repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := worktree.Add("."); err != nil {
		t.Fatalf("failed to add files: %v", err)
	}
	_, err = worktree.Commit("initial advisories", &git.CommitOptions{
		Author: &object.Signature{Name: "gemaudit", Email: "ci@gemaudit.dev", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return dir
}

func assertExitCode(t *testing.T, err error, want int) {
	t.Helper()
	if got := exitcode.FromError(err); got != want {
		t.Fatalf("exit code = %d (%s), want %d (%s); err = %v", got, exitcode.String(got), want, exitcode.String(want), err)
	}
}
