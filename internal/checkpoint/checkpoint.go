// Package checkpoint implements the bounded async persistence worker
// from spec §4.10: snapshot requests are queued, a single worker
// serializes and atomically writes them to disk (temp file, fsync,
// rename, prior file kept as .bak), and shutdown drains the queue with a
// bounded timeout before one final blocking save.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Request is one snapshot to persist, identified by its file name within
// the checkpoint directory (e.g. "portfolio.json").
type Request struct {
	Name string
	Data interface{}
}

// Manager owns the bounded queue and its single worker goroutine.
type Manager struct {
	dir       string
	queue     chan Request
	done      chan struct{}
	workerErr chan error
}

// New creates a Manager writing into dir with a queue bounded to
// queueSize pending requests. Once the queue is full, EnqueueBlocking
// waits for space and TryEnqueue drops the request; the decision thread
// uses TryEnqueue, since suspension points belong to the checkpoint
// thread, not the decision thread (spec §5).
func New(dir string, queueSize int) *Manager {
	return &Manager{
		dir:       dir,
		queue:     make(chan Request, queueSize),
		done:      make(chan struct{}),
		workerErr: make(chan error, 1),
	}
}

// Start launches the single worker goroutine.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	for req := range m.queue {
		if err := m.writeAtomic(req); err != nil {
			select {
			case m.workerErr <- err:
			default:
			}
		}
	}
	close(m.done)
}

// TryEnqueue submits a snapshot request without blocking. Returns false
// if the queue is full and the request was dropped, true if accepted.
// EnqueueBlocking waits for queue space instead; the session coordinator
// uses TryEnqueue for both its every-N-events saves and its per-fill
// saves.
func (m *Manager) TryEnqueue(req Request) bool {
	select {
	case m.queue <- req:
		return true
	default:
		return false
	}
}

// EnqueueBlocking submits a snapshot request, blocking the caller until
// queue space is available or ctx is canceled.
func (m *Manager) EnqueueBlocking(ctx context.Context, req Request) error {
	select {
	case m.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new requests, waits (bounded by timeout) for
// the queue to drain, then performs one final blocking save of `final`
// if non-nil.
func (m *Manager) Shutdown(ctx context.Context, timeout time.Duration, final *Request) error {
	close(m.queue)

	select {
	case <-m.done:
	case <-time.After(timeout):
		return fmt.Errorf("checkpoint: shutdown timed out waiting for queue drain")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-m.workerErr:
		if err != nil {
			return fmt.Errorf("checkpoint: worker error during drain: %w", err)
		}
	default:
	}

	if final != nil {
		return m.writeAtomic(*final)
	}
	return nil
}

// writeAtomic serializes req.Data as JSON and writes it via
// temp-file-fsync-rename, keeping the prior file as Name+".bak".
func (m *Manager) writeAtomic(req Request) error {
	path := filepath.Join(m.dir, req.Name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file for %s: %w", req.Name, err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(req.Data); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: encode %s: %w", req.Name, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: flush %s: %w", req.Name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: fsync %s: %w", req.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", req.Name, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("checkpoint: backup %s: %w", req.Name, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", req.Name, err)
	}
	return nil
}

// Load reads and JSON-decodes a checkpoint file into out. A missing file
// is not an error — a fresh session has nothing to restore.
func Load(dir, name string, out interface{}) (found bool, err error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return false, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return true, nil
}
