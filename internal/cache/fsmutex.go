package cache

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// A crashed build leaves its lock file behind; anything older than this
// is treated as abandoned and stolen.
const lockStaleAfter = 10 * time.Minute

// FSMutex serializes cache mutation across processes through an
// exclusively-created lock file.
type FSMutex interface {
	Lock(tryLimit int) error
	Unlock()
}

type fsMutex struct {
	lockPath string
	locked   bool
}

func NewFSMutex(lockPath string) FSMutex {
	return &fsMutex{lockPath: lockPath}
}

func (mu *fsMutex) Lock(tryLimit int) error {
	tries := 0
	for {
		tries++
		if tryLimit > 0 && tries > tryLimit {
			return fmt.Errorf("cache: can't acquire lock %s", mu.lockPath)
		}

		f, err := os.OpenFile(mu.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			// We acquired the lock. Stamp metadata.
			_, _ = fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			mu.locked = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		// Lock exists: check if it's stale.
		info, statErr := os.Stat(mu.lockPath)
		if statErr != nil {
			// If vanished between calls, just retry.
			if errors.Is(statErr, os.ErrNotExist) {
				continue
			}
			return statErr
		}
		if age := time.Since(info.ModTime()); age > lockStaleAfter {
			// Consider stale. Best-effort remove, then retry.
			_ = os.Remove(mu.lockPath)
			continue
		}

		time.Sleep(50 * time.Millisecond)
	}
}

func (mu *fsMutex) Unlock() {
	if !mu.locked {
		return
	}
	_ = os.Remove(mu.lockPath)
	mu.locked = false
}
