package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"model-runner/internal/model"
)

// OutputLocks grants exclusive ownership of an output location for the
// duration of a run. The version manifest write is not safe under concurrent
// writers, so two runs may never share an output location at the same time.
type OutputLocks struct {
	mu   sync.Mutex
	held map[string]string // path -> run id
}

// Acquire claims output for runID. The returned release func is idempotent.
func (l *OutputLocks) Acquire(output, runID string) (func(), error) {
	key, err := lockKey(output)
	if err != nil {
		return nil, runErrorf(ErrInvalidScope, model.StateIdle, err, "output location %q", output)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if owner, busy := l.held[key]; busy {
		return nil, runErrorf(ErrOutputBusy, model.StateIdle, nil, "%s is in use by run %s", key, owner)
	}
	l.held[key] = runID

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == runID {
				delete(l.held, key)
			}
		})
	}, nil
}

// Holder returns the run currently owning output, if any
func (l *OutputLocks) Holder(output string) (string, bool) {
	key, err := lockKey(output)
	if err != nil {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[key]
	return id, ok
}

func lockKey(output string) (string, error) {
	if strings.TrimSpace(output) == "" {
		return "", errors.New("output location is required")
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", err
	}
	return resolveExisting(filepath.Clean(abs)), nil
}

// resolveExisting follows symlinks in the longest existing prefix of p so that
// aliases of one directory share a key, including outputs not yet created.
func resolveExisting(p string) string {
	var tail []string
	for dir := p; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
	}
}
