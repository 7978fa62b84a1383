// Package fsutil provides the file-system primitives the graph layer binds
// targets against. It is kept deliberately thin: stat and directory checks
// only, injected behind an interface so tests can fake file-system state
// without touching disk.
package fsutil

import (
	"os"
	"time"
)

// StatFS is the subset of file-system operations Graph.Bind needs. The real
// implementation is backed by os.Stat; tests substitute a fake.
type StatFS interface {
	// Stat returns the last-write time, whether the path exists, and whether
	// it is a directory. A missing path is not an error: exists is false.
	Stat(path string) (modTime time.Time, exists bool, isDir bool, err error)
}

// OS is the StatFS backed by the real file system.
type OS struct{}

// Stat implements StatFS using os.Stat.
func (OS) Stat(path string) (time.Time, bool, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, false, nil
		}
		return time.Time{}, false, false, err
	}
	return info.ModTime(), true, info.IsDir(), nil
}
