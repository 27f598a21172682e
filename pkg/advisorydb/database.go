// Package advisorydb loads a ruby-advisory-db checkout into memory and keeps
// it up to date from its remote origin.
package advisorydb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gemaudit/pkg/advisory"
	"github.com/fulmenhq/gemaudit/pkg/logger"
)

const (
	// DefaultRemote is the upstream advisory corpus.
	DefaultRemote = "https://github.com/rubysec/ruby-advisory-db.git"

	// DefaultUpdateTimeout bounds the network step of Update.
	DefaultUpdateTimeout = 2 * time.Minute
)

// Database is a handle on an advisory checkout. Reads go to the current
// Snapshot and never block; Update swaps in a new snapshot atomically.
type Database struct {
	path          string
	remote        string
	transport     Transport
	updateTimeout time.Duration
	now           func() time.Time

	current  atomic.Pointer[Snapshot]
	updateMu sync.Mutex
}

// Option configures a Database.
type Option func(*Database)

// WithRemote sets the origin used by Update.
func WithRemote(remote string) Option {
	return func(d *Database) { d.remote = remote }
}

// WithTransport replaces the default git transport.
func WithTransport(t Transport) Option {
	return func(d *Database) { d.transport = t }
}

// WithUpdateTimeout bounds each Update call.
func WithUpdateTimeout(timeout time.Duration) Option {
	return func(d *Database) {
		if timeout > 0 {
			d.updateTimeout = timeout
		}
	}
}

func newDatabase(path string, opts []Option) *Database {
	d := &Database{
		path:          path,
		remote:        DefaultRemote,
		updateTimeout: DefaultUpdateTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transport == nil {
		d.transport = NewGitTransport()
	}
	return d
}

// Open loads the database at path.
//
// A missing directory fails with ErrDatabaseNotFound and an unusable layout
// with ErrDatabaseCorrupt; in both cases the Database is nil. Records that
// fail to parse are skipped: Open then returns the Database together with a
// *CorruptError listing them.
func Open(path string, opts ...Option) (*Database, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext is Open with cancellation of the record load.
func OpenContext(ctx context.Context, path string, opts ...Option) (*Database, error) {
	d := newDatabase(path, opts)
	snap, err := loadSnapshot(ctx, path)
	if err != nil {
		return nil, err
	}
	d.current.Store(snap)

	if len(snap.failures) > 0 {
		return d, &CorruptError{Root: path, Failures: snap.Failures()}
	}
	return d, nil
}

// Download fetches the database into path when it does not exist yet and
// opens it.
func Download(ctx context.Context, path string, opts ...Option) (*Database, error) {
	d := newDatabase(path, opts)
	if err := d.syncRemote(ctx); err != nil {
		return nil, err
	}
	return OpenContext(ctx, path, opts...)
}

// Path is the database root directory.
func (d *Database) Path() string { return d.path }

// Remote is the origin used by Update.
func (d *Database) Remote() string { return d.remote }

// Snapshot returns the current immutable snapshot.
func (d *Database) Snapshot() *Snapshot { return d.current.Load() }

// AdvisoriesFor returns the advisories for an exact gem name.
func (d *Database) AdvisoriesFor(name string) []*advisory.Advisory {
	return d.Snapshot().AdvisoriesFor(name)
}

// Size is the total advisory count.
func (d *Database) Size() int { return d.Snapshot().Size() }

// LastUpdated reports when the loaded snapshot was last refreshed upstream.
func (d *Database) LastUpdated() time.Time {
	if snap := d.Snapshot(); snap != nil {
		return snap.LastUpdated()
	}
	return time.Time{}
}

// Staleness is the time elapsed since LastUpdated, or zero when unknown.
func (d *Database) Staleness() time.Duration {
	last := d.LastUpdated()
	if last.IsZero() {
		return 0
	}
	if age := d.now().Sub(last); age > 0 {
		return age
	}
	return 0
}

// Warnings lists the records skipped by the current snapshot.
func (d *Database) Warnings() []*advisory.RecordError {
	if snap := d.Snapshot(); snap != nil {
		return snap.Failures()
	}
	return nil
}

// Update synchronizes with the remote origin and reloads. It reports false on
// any network, timeout or reload failure; the previous snapshot then stays in
// place. Concurrent calls are serialized.
func (d *Database) Update(ctx context.Context) bool {
	if err := d.Sync(ctx); err != nil {
		logger.Warn("advisory database update failed", logger.String("path", d.path), logger.Err(err))
		return false
	}
	return true
}

// Sync is Update with the failure cause.
func (d *Database) Sync(ctx context.Context) error {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	started := d.now()
	if err := d.syncRemote(ctx); err != nil {
		return err
	}

	snap, err := loadSnapshot(ctx, d.path)
	if err != nil {
		return fmt.Errorf("reload after update: %w", err)
	}
	d.current.Store(snap)

	logger.Info("advisory database updated",
		logger.String("path", d.path),
		logger.Int("advisories", snap.Size()),
		logger.Int("skipped", len(snap.failures)),
		logger.Duration("elapsed", d.now().Sub(started)))
	return nil
}

func (d *Database) syncRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.updateTimeout)
	defer cancel()

	err := d.transport.Sync(ctx, d.path, d.remote)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sync %s timed out after %s: %w", d.remote, d.updateTimeout, err)
	}
	return fmt.Errorf("sync %s: %w", d.remote, err)
}
