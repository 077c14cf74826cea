// Package chunks reassembles chunked uploads. Each upload session stages its
// parts under staging/{sessionID}/{index:06d}.part; when the client flags the
// last chunk, the parts are concatenated in index order into a permanent
// object under a freshly allocated id. Abandoned sessions are reclaimed by
// the garbage collector.
package chunks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// completedRetention bounds how long a finished session stays replayable.
// It matches the staging TTL: a client retrying later than this has lost
// its staged chunks anyway.
const completedRetention = time.Hour

// Result reports the outcome of receiving one chunk.
type Result struct {
	Completed bool
	ObjectID  string
	Path      string
	Size      int64
	SHA256    string
}

// Assembler stages chunks on disk and assembles completed sessions.
type Assembler struct {
	stagingDir string
	dataDir    string
	retention  time.Duration
	now        func() time.Time

	mu        sync.Mutex
	completed map[string]completedSession
}

type completedSession struct {
	res Result
	at  time.Time
}

func NewAssembler(stagingDir, dataDir string) *Assembler {
	return &Assembler{
		stagingDir: stagingDir,
		dataDir:    dataDir,
		retention:  completedRetention,
		now:        time.Now,
		completed:  map[string]completedSession{},
	}
}

// Receive stores one chunk for sessionID. When isLast is set the session is
// assembled into a permanent object and the staging directory removed. A
// retried final chunk after successful assembly returns the original result
// instead of producing a second object, for up to the retention window.
func (a *Assembler) Receive(sessionID string, index int, isLast bool, r io.Reader) (Result, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return Result{}, fmt.Errorf("invalid session id %q", sessionID)
	}
	if index < 0 {
		return Result{}, fmt.Errorf("invalid chunk index %d", index)
	}

	if isLast {
		a.mu.Lock()
		a.evictStale()
		if s, ok := a.completed[sessionID]; ok {
			a.mu.Unlock()
			return s.res, nil
		}
		a.mu.Unlock()
	}

	dir := filepath.Join(a.stagingDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create staging dir: %w", err)
	}

	part := filepath.Join(dir, fmt.Sprintf("%06d.part", index))
	f, err := os.Create(part)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create part file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("failed to write part: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close part: %w", err)
	}

	if !isLast {
		return Result{}, nil
	}

	res, err := a.assemble(sessionID, dir)
	if err != nil {
		// The session stays on disk for the GC sweep; the client restarts.
		return Result{}, err
	}

	a.mu.Lock()
	a.evictStale()
	a.completed[sessionID] = completedSession{res: res, at: a.now()}
	a.mu.Unlock()
	return res, nil
}

// evictStale drops replay entries past the retention window. Caller holds mu.
func (a *Assembler) evictStale() {
	cutoff := a.now().Add(-a.retention)
	for id, s := range a.completed {
		if s.at.Before(cutoff) {
			delete(a.completed, id)
		}
	}
}

func (a *Assembler) assemble(sessionID, dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list staging dir: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".part") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".part"))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	if len(indices) == 0 {
		return Result{}, fmt.Errorf("session %s has no chunks", sessionID)
	}
	for i, idx := range indices {
		if idx != i {
			return Result{}, fmt.Errorf("session %s is missing chunk %d", sessionID, i)
		}
	}

	objectID := uuid.New().String()
	target := filepath.Join(a.dataDir, objectID)
	out, err := os.Create(target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create object: %w", err)
	}

	hasher := sha256.New()
	w := io.MultiWriter(out, hasher)
	var size int64
	for _, idx := range indices {
		part, err := os.Open(filepath.Join(dir, fmt.Sprintf("%06d.part", idx)))
		if err != nil {
			out.Close()
			os.Remove(target)
			return Result{}, fmt.Errorf("failed to open chunk %d: %w", idx, err)
		}
		n, err := io.Copy(w, part)
		part.Close()
		if err != nil {
			out.Close()
			os.Remove(target)
			return Result{}, fmt.Errorf("failed to copy chunk %d: %w", idx, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(target)
		return Result{}, fmt.Errorf("failed to close object: %w", err)
	}

	os.RemoveAll(dir)

	return Result{
		Completed: true,
		ObjectID:  objectID,
		Path:      target,
		Size:      size,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
