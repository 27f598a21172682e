package advisorydb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/logger"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"golang.org/x/sync/errgroup"
)

const gemsDir = "gems"

// recordPatterns select advisory files relative to the database root.
var recordPatterns = []string{"gems/*/*.yml", "gems/*/*.yaml"}

// Snapshot is an immutable view of the database as loaded at one point in
// time. It is safe for concurrent readers.
type Snapshot struct {
	root        string
	byGem       map[string][]*advisory.Advisory
	size        int
	lastUpdated time.Time
	loadedAt    time.Time
	failures    []*advisory.RecordError
}

// NewSnapshot builds an in-memory snapshot from decoded advisories, grouped
// by their gem name. Its LastUpdated is the newest advisory Date, zero when
// no advisory carries one.
func NewSnapshot(advisories ...*advisory.Advisory) *Snapshot {
	snap := &Snapshot{byGem: make(map[string][]*advisory.Advisory), loadedAt: time.Now()}
	for _, adv := range advisories {
		if adv == nil {
			continue
		}
		snap.byGem[adv.Gem] = append(snap.byGem[adv.Gem], adv)
		snap.size++
		if adv.Date.After(snap.lastUpdated) {
			snap.lastUpdated = adv.Date
		}
	}
	return snap
}

// Snapshot returns s itself so a Snapshot can stand in for a Database.
func (s *Snapshot) Snapshot() *Snapshot { return s }

// AdvisoriesFor returns the advisories filed under the exact gem name.
// Unknown gems yield an empty slice.
func (s *Snapshot) AdvisoriesFor(name string) []*advisory.Advisory {
	if s == nil {
		return nil
	}
	return slices.Clone(s.byGem[name])
}

// Size is the total number of advisories across all gems.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Gems lists the gem names that have at least one advisory, sorted.
func (s *Snapshot) Gems() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.byGem))
	for name := range s.byGem {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Root is the directory the snapshot was loaded from.
func (s *Snapshot) Root() string { return s.root }

// LastUpdated reports how fresh the advisories are. For a loaded database it
// is the HEAD commit time of the checkout, or the newest record modification
// time when the directory is not a git checkout. For a snapshot built with
// NewSnapshot it is the newest advisory Date.
func (s *Snapshot) LastUpdated() time.Time { return s.lastUpdated }

// LoadedAt is when the snapshot was read from disk.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Failures lists the records that were skipped.
func (s *Snapshot) Failures() []*advisory.RecordError { return slices.Clone(s.failures) }

type recordFile struct {
	gem  string
	id   string
	path string
}

// loadSnapshot reads every record below root. Per-record failures are
// collected on the snapshot; only layout problems return an error.
func loadSnapshot(ctx context.Context, root string) (*Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, root)
		}
		return nil, fmt.Errorf("stat advisory database: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDatabaseCorrupt, root)
	}

	fsys := osfs.New(root)
	if _, err := fsys.Stat(gemsDir); err != nil {
		return nil, fmt.Errorf("%w: %s has no %s directory", ErrDatabaseCorrupt, root, gemsDir)
	}

	files, newest, err := discoverRecords(fsys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}

	advisories := make([]*advisory.Advisory, len(files))
	recordErrs := make([]*advisory.RecordError, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			full := filepath.Join(root, filepath.FromSlash(f.path))
			data, err := util.ReadFile(fsys, f.path)
			if err != nil {
				recordErrs[i] = &advisory.RecordError{Path: full, Err: err}
				return nil
			}
			adv, err := advisory.Decode(f.id, full, data)
			if err != nil {
				var recErr *advisory.RecordError
				if !errors.As(err, &recErr) {
					recErr = &advisory.RecordError{Path: full, Err: err}
				}
				recordErrs[i] = recErr
				return nil
			}
			advisories[i] = adv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		root:     root,
		byGem:    make(map[string][]*advisory.Advisory),
		loadedAt: time.Now(),
	}
	for i, f := range files {
		if recErr := recordErrs[i]; recErr != nil {
			logger.Warn("skipping unreadable advisory", logger.String("path", recErr.Path), logger.Err(recErr.Err))
			snap.failures = append(snap.failures, recErr)
			continue
		}
		adv := advisories[i]
		if adv.Gem != f.gem {
			logger.Debug("advisory gem differs from its directory", logger.String("path", f.path), logger.String("gem", adv.Gem))
		}
		snap.byGem[f.gem] = append(snap.byGem[f.gem], adv)
		snap.size++
	}

	snap.lastUpdated = headCommitTime(root)
	if snap.lastUpdated.IsZero() {
		snap.lastUpdated = newest
	}
	return snap, nil
}

// discoverRecords walks gems/ and returns matching files in lexical order
// together with the newest modification time seen.
func discoverRecords(fsys billy.Filesystem) ([]recordFile, time.Time, error) {
	var (
		files  []recordFile
		newest time.Time
	)
	err := util.Walk(fsys, gemsDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && p != gemsDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel := filepath.ToSlash(p)
		if !matchesRecord(rel) {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		base := path.Base(rel)
		files = append(files, recordFile{
			gem:  path.Base(path.Dir(rel)),
			id:   strings.TrimSuffix(base, path.Ext(base)),
			path: rel,
		})
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, newest, nil
}

func matchesRecord(rel string) bool {
	for _, pattern := range recordPatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// headCommitTime returns the committer time of HEAD when root is a git
// checkout.
func headCommitTime(root string) time.Time {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return time.Time{}
	}
	head, err := repo.Head()
	if err != nil {
		return time.Time{}
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return time.Time{}
	}
	return commit.Committer.When
}
