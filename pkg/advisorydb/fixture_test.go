package advisorydb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

const rackAdvisory = `---
gem: rack
cve: 2015-3225
url: https://groups.google.com/forum/#!topic/rubyonrails-security/gcUbICUmKMc
title: Potential Denial of Service Vulnerability in Rack
date: 2015-06-16
description: Carefully crafted requests can cause a SystemStackError.
cvss_v2: 5.0
patched_versions:
  - "~> 1.5.4"
  - "~> 1.4.6"
  - ">= 1.6.2"
`

const rackParamsAdvisory = `---
gem: rack
cve: 2020-8161
url: https://example.com/rack/8161
title: Directory traversal in Rack::Directory
date: 2020-05-12
criticality: high
patched_versions:
  - ">= 2.1.3"
`

const railsAdvisory = `---
gem: rails
ghsa: abcd-efgh-ijkl
url: https://example.com/rails
title: Example rails advisory
date: 2021-01-01
cvss_v3: 9.8
patched_versions:
  - ">= 6.1.0"
`

// writeDatabase lays out a minimal advisory checkout under a temp directory.
func writeDatabase(t *testing.T, records map[string]string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gems"), 0o750))
	for rel, body := range records {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o640))
	}
	return root
}

func defaultRecords() map[string]string {
	return map[string]string{
		"gems/rack/CVE-2015-3225.yml":        rackAdvisory,
		"gems/rack/CVE-2020-8161.yml":        rackParamsAdvisory,
		"gems/rails/GHSA-abcd-efgh-ijkl.yml": railsAdvisory,
		"README.md":                          "# advisories\n",
	}
}

// initRemote creates a git repository holding records and returns its path.
func initRemote(t *testing.T, records map[string]string) (string, *git.Repository) {
	t.Helper()
	dir := writeDatabase(t, records)
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitAll(t, repo, "initial advisories")
	return dir, repo
}

func commitAll(t *testing.T, repo *git.Repository, message string) {
	t.Helper()
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add(".")
	require.NoError(t, err)
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "gemaudit",
			Email: "ci@gemaudit.dev",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)
}
