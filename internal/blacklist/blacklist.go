// Package blacklist implements the file-backed, hot-reloaded IP deny
// list described in spec §4.3. The file is polled on an interval; on a
// modification-time change the membership set is atomically replaced.
// Absence of the file is never an error — the set simply becomes empty.
package blacklist

import (
	"bufio"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"rpcgateway/internal/logging"
	"rpcgateway/internal/safe"
)

// List is a hot-reloadable, lock-free-read IP deny list.
type List struct {
	path       string
	pollPeriod time.Duration

	set     atomic.Pointer[map[string]struct{}]
	modTime atomic.Int64 // unix nanos of the last observed mtime, 0 if never seen
}

// New constructs a List that will read path but does not start polling
// until Watch is called. An initial (possibly empty) load happens
// synchronously so IsBlacklisted is safe to call immediately.
func New(path string, pollPeriod time.Duration) *List {
	l := &List{path: path, pollPeriod: pollPeriod}
	empty := map[string]struct{}{}
	l.set.Store(&empty)
	l.reload()
	return l
}

// IsBlacklisted reports whether ip is on the deny list. O(1), never
// panics; on any internal error it fails open (returns false).
func (l *List) IsBlacklisted(ip string) bool {
	return safe.Call("blacklist.IsBlacklisted", func() bool {
		set := l.set.Load()
		if set == nil {
			return false
		}
		_, found := (*set)[normalize(ip)]
		return found
	})
}

// Size returns the number of entries currently loaded, for admin
// reporting.
func (l *List) Size() int {
	set := l.set.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// Watch blocks, polling the file every pollPeriod until ctx-like stop
// channel closes. Call this from a supervised background goroutine.
func (l *List) Watch(stop <-chan struct{}) {
	ticker := time.NewTicker(l.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			safe.Call("blacklist.reload", func() struct{} {
				l.reload()
				return struct{}{}
			})
		}
	}
}

func (l *List) reload() {
	info, err := os.Stat(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warnf("blacklist: stat %s: %v", l.path, err)
		}
		l.replace(map[string]struct{}{})
		return
	}

	mtime := info.ModTime().UnixNano()
	if mtime == l.modTime.Load() {
		return
	}

	f, err := os.Open(l.path)
	if err != nil {
		logging.Warnf("blacklist: open %s: %v", l.path, err)
		return
	}
	defer f.Close()

	next := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		next[normalize(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		logging.Warnf("blacklist: scan %s: %v", l.path, err)
		return
	}

	l.modTime.Store(mtime)
	l.replace(next)
}

func (l *List) replace(next map[string]struct{}) {
	prev := l.set.Load()
	l.set.Store(&next)

	if prev == nil {
		return
	}
	for ip := range next {
		if _, ok := (*prev)[ip]; !ok {
			logging.Infof("blacklist: added %s", ip)
		}
	}
	for ip := range *prev {
		if _, ok := next[ip]; !ok {
			logging.Infof("blacklist: removed %s", ip)
		}
	}
}

func normalize(ip string) string {
	ip = strings.TrimSpace(ip)
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}
