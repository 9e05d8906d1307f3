// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vault

import (
	"fmt"
	"os"
	"time"
)

const (
	lockRetryInterval = 25 * time.Millisecond
	lockAcquireLimit  = 10 * time.Second

	// Lock files older than this are presumed abandoned by a crashed worker
	// and broken.
	lockStaleAge = 30 * time.Second
)

// fileLock is a sidecar-file mutex guarding the vault against concurrent
// writers in other worker processes. Creation with O_EXCL is the atomic
// acquire; removal is the release.
type fileLock struct {
	path string
}

// acquireFileLock blocks until the lock beside target is held, breaking
// stale locks and giving up after lockAcquireLimit.
func acquireFileLock(target string) (*fileLock, error) {
	path := target + ".lock"
	deadline := time.Now().Add(lockAcquireLimit)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire vault lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAge {
				os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring vault lock %s", path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	os.Remove(l.path)
}
