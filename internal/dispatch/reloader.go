// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"os"
	"sync"

	"grimm.is/gatekeepd/internal/logging"
)

// Reloader watches one file's mtime and reloads it through loadFunc
// whenever it changes, caching the result between calls to CurRoot. A
// failed load either keeps serving the previous root (dropOnErr
// false, "use-old") or drops to a nil root until the file is fixed
// (dropOnErr true, "drop"), per the daemon's onfileerror directive.
type Reloader[T any] struct {
	fname     string
	ftype     string
	loadFunc  func(string) (T, error)
	dropOnErr bool
	log       logging.Logger

	mu      sync.Mutex
	root    T
	haveOld bool
	oldTime int64
	known   bool
}

// NewReloader builds a Reloader for fname. ftype is used only in log
// messages ("rules", "actions", ...).
func NewReloader[T any](fname, ftype string, loadFunc func(string) (T, error), dropOnErr bool, log logging.Logger) *Reloader[T] {
	return &Reloader[T]{fname: fname, ftype: ftype, loadFunc: loadFunc, dropOnErr: dropOnErr, log: log}
}

// CurRoot returns the current root, reloading from disk first if the
// file's mtime has changed since the last check. A missing file is
// reported exactly once, on the transition into "missing"; it is not
// reported again until the file exists again.
func (r *Reloader[T]) CurRoot() T {
	r.mu.Lock()
	defer r.mu.Unlock()

	newTime, haveNewTime := mtimeOf(r.fname)
	if r.known && haveNewTime == r.haveOld && newTime == r.oldTime {
		return r.root
	}
	if r.dropOnErr {
		var zero T
		r.root = zero
	}
	r.haveOld = haveNewTime
	r.oldTime = newTime
	r.known = true

	if !haveNewTime {
		r.log.Errorf("%s file %s does not exist", r.ftype, r.fname)
		return r.root
	}

	root, err := r.loadFunc(r.fname)
	if err != nil {
		r.log.Errorf("error loading %s file: %s", r.ftype, err)
		return r.root
	}
	r.root = root
	r.log.Debugf("reloaded %s file %s dated %d", r.ftype, r.fname, newTime)
	return r.root
}

func mtimeOf(fname string) (mtime int64, ok bool) {
	st, err := os.Stat(fname)
	if err != nil {
		return 0, false
	}
	return st.ModTime().UnixNano(), true
}
