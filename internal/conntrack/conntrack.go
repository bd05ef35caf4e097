// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack tracks live connections by PID, remote IP, and
// matched class, so the action engine can enforce per-IP and per-class
// connection limits.
package conntrack

import (
	"sync"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// Info describes one tracked connection.
type Info struct {
	PID     int
	IP      string
	Classes []string
}

// Table is the process-wide triple index: pid -> info, ip -> set<pid>,
// class -> set<pid>. Up() is called from the dispatcher's action
// goroutine on fork-return, Down() from whichever goroutine reaps that
// child. The mutex makes both those writes and any concurrent reads
// (status reporting) safe to interleave.
type Table struct {
	mu      sync.Mutex
	byPID   map[int]*Info
	byIP    map[string]map[int]struct{}
	byClass map[string]map[int]struct{}
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byPID:   make(map[int]*Info),
		byIP:    make(map[string]map[int]struct{}),
		byClass: make(map[string]map[int]struct{}),
	}
}

// Up registers pid as live, tracked against ip and each of classes. It
// fails with KindDuplicatePid if pid is already tracked.
func (t *Table) Up(pid int, ip string, classes []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byPID[pid]; ok {
		return gkerr.Errorf(gkerr.KindDuplicatePid, "duplicate pid %d", pid)
	}
	cp := append([]string(nil), classes...)
	t.byPID[pid] = &Info{PID: pid, IP: ip, Classes: cp}
	t.addTo(t.byIP, ip, pid)
	for _, c := range cp {
		t.addTo(t.byClass, c, pid)
	}
	return nil
}

// Down removes pid. Unknown pids are silently ignored, since reap can
// race with a failed or not-yet-applied Up.
func (t *Table) Down(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byPID[pid]
	if !ok {
		return
	}
	delete(t.byPID, pid)
	t.delFrom(t.byIP, info.IP, pid)
	for _, c := range info.Classes {
		t.delFrom(t.byClass, c, pid)
	}
}

func (t *Table) addTo(m map[string]map[int]struct{}, key string, pid int) {
	set, ok := m[key]
	if !ok {
		set = make(map[int]struct{})
		m[key] = set
	}
	set[pid] = struct{}{}
}

func (t *Table) delFrom(m map[string]map[int]struct{}, key string, pid int) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, pid)
	if len(set) == 0 {
		delete(m, key)
	}
}

// IPCount returns the number of live connections tracked for ip.
func (t *Table) IPCount(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIP[ip])
}

// ClassCount returns the number of live connections tracked for class.
func (t *Table) ClassCount(class string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClass[class])
}

// Len returns the number of currently tracked connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPID)
}

// HavePID reports whether pid is currently tracked.
func (t *Table) HavePID(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPID[pid]
	return ok
}

// Get returns the tracked Info for pid, if any.
func (t *Table) Get(pid int) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byPID[pid]
	if !ok {
		return Info{}, false
	}
	return *info, true
}
