// Package gc reclaims storage nobody references anymore: abandoned chunk
// staging directories, records whose owner is gone, and on-disk objects
// with no live database record. Sweeps are periodic and failure-tolerant; a
// failed sweep is retried on the next tick.
package gc

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/filedock/filedock/pkg/store"
)

// MetaStore is the slice of the metadata repository the collector needs.
type MetaStore interface {
	OrphanedFiles() ([]*store.File, error)
	DeleteFile(id string) error
	LivePaths() (map[string]struct{}, error)
	RevokeExpiredShares(now int64) error
}

// Config controls sweep cadence and which paths are off limits.
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	ChunkTTL   time.Duration `yaml:"chunk_ttl"`
	StagingDir string        `yaml:"staging_dir"`
	DataDir    string        `yaml:"data_dir"`
	// Skip lists paths inside DataDir that are never swept: the database
	// file and the staging/preview/stream directories.
	Skip []string
}

// Collector runs the two garbage collection sweeps.
type Collector struct {
	cfg   Config
	meta  MetaStore
	skip  map[string]struct{}
	log   *log.Logger
	clock func() time.Time
}

func New(cfg Config, meta MetaStore) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = time.Hour
	}
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, p := range cfg.Skip {
		skip[filepath.Clean(p)] = struct{}{}
	}
	return &Collector{
		cfg:   cfg,
		meta:  meta,
		skip:  skip,
		log:   log.New(log.Writer(), "[gc] ", log.LstdFlags),
		clock: time.Now,
	}
}

// Run executes both sweeps every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.SweepChunks(c.clock()); err != nil {
			c.log.Printf("chunk sweep failed: %v", err)
		}
		if err := c.SweepObjects(); err != nil {
			c.log.Printf("orphan sweep failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepChunks removes staging directories that have not been written to for
// longer than the chunk TTL; their upload sessions are considered abandoned.
func (c *Collector) SweepChunks(now time.Time) error {
	entries, err := os.ReadDir(c.cfg.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list staging dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.cfg.ChunkTTL {
			dir := filepath.Join(c.cfg.StagingDir, e.Name())
			if err := os.RemoveAll(dir); err != nil {
				c.log.Printf("failed to remove stale session %s: %v", e.Name(), err)
			} else {
				c.log.Printf("removed stale upload session %s", e.Name())
			}
		}
	}
	return nil
}

// SweepObjects first deletes records whose owner no longer exists (plus
// their bytes), revokes expired shares, then removes on-disk objects that no
// live record references. The live-path set is snapshotted before the
// filesystem walk so a concurrent upload that registers after the snapshot
// is never deleted: its file appeared after the walk started or is skipped
// on the next pass once its record exists.
func (c *Collector) SweepObjects() error {
	orphans, err := c.meta.OrphanedFiles()
	if err != nil {
		return fmt.Errorf("failed to query orphaned records: %w", err)
	}
	for _, f := range orphans {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			c.log.Printf("failed to remove orphan bytes %s: %v", f.Path, err)
		}
		if err := c.meta.DeleteFile(f.ID); err != nil {
			c.log.Printf("failed to delete orphan record %s: %v", f.ID, err)
		}
	}

	if err := c.meta.RevokeExpiredShares(c.clock().Unix()); err != nil {
		c.log.Printf("failed to revoke expired shares: %v", err)
	}

	live, err := c.meta.LivePaths()
	if err != nil {
		return fmt.Errorf("failed to snapshot live paths: %w", err)
	}
	if len(live) == 0 {
		// An empty database usually means a fresh or half-initialized
		// deployment; refuse to treat every object as garbage.
		return nil
	}

	entries, err := os.ReadDir(c.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list data dir: %w", err)
	}

	for _, e := range entries {
		p := filepath.Join(c.cfg.DataDir, e.Name())
		if _, protected := c.skip[filepath.Clean(p)]; protected {
			continue
		}
		if e.IsDir() {
			continue
		}
		if _, ok := live[p]; ok {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.log.Printf("failed to remove unreferenced object %s: %v", p, err)
		} else {
			c.log.Printf("removed unreferenced object %s", p)
		}
	}
	return nil
}
