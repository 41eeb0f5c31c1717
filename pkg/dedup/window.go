package dedup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

const (
	// DefaultWindow is how long a group stays open.
	DefaultWindow = 30 * time.Second
	// DefaultMaxGroupSize closes a group early once reached.
	DefaultMaxGroupSize = 100
)

// kindOrder fixes the iteration order of IOC buckets so aggregated
// unions come out deterministic.
var kindOrder = []domain.IOCType{
	domain.IOCTypeIP,
	domain.IOCTypeDomain,
	domain.IOCTypeURL,
	domain.IOCTypeMD5,
	domain.IOCTypeSHA1,
	domain.IOCTypeSHA256,
	domain.IOCTypeEmail,
}

type groupKey struct {
	sourceIP  string
	alertType string
}

type group struct {
	rep     *domain.Alert
	ids     []string
	members int
	iocs    map[domain.IOCType][]string
	seen    map[string]struct{}
	timer   *time.Timer
}

// Window groups alerts sharing (source_ip, alert_type) that arrive
// within a sliding interval. A group opens on its first member and
// closes at the earlier of the window elapsing or the group reaching
// maxSize; it is emitted exactly once. A lone member passes through
// unchanged; a real group is emitted as its first member annotated with
// the occurrence count, the member alert ids and the union of their
// IOCs. Alerts without a source IP bypass the window entirely.
type Window struct {
	mu      sync.Mutex
	groups  map[groupKey]*group
	window  time.Duration
	maxSize int
	emit    func(*domain.Alert)
	log     *slog.Logger
	closed  bool
}

// NewWindow builds a window that calls emit for every closed group.
// emit may be called from timer goroutines and must be safe for
// concurrent use.
func NewWindow(window time.Duration, maxSize int, emit func(*domain.Alert), log *slog.Logger) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxGroupSize
	}
	return &Window{
		groups:  make(map[groupKey]*group),
		window:  window,
		maxSize: maxSize,
		emit:    emit,
		log:     log,
	}
}

// Add routes one alert through the window.
func (w *Window) Add(a *domain.Alert) {
	if a.SourceIP == "" {
		w.emit(a)
		return
	}
	k := groupKey{sourceIP: a.SourceIP, alertType: string(a.AlertType)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.emit(a)
		return
	}
	g, ok := w.groups[k]
	if !ok {
		g = &group{
			rep:  a,
			iocs: make(map[domain.IOCType][]string),
			seen: make(map[string]struct{}),
		}
		g.absorb(a)
		w.groups[k] = g
		g.timer = time.AfterFunc(w.window, func() { w.expire(k) })
		w.mu.Unlock()
		return
	}
	g.absorb(a)
	if g.members >= w.maxSize {
		delete(w.groups, k)
		g.timer.Stop()
		w.mu.Unlock()
		w.flush(g)
		return
	}
	w.mu.Unlock()
}

// expire fires when a group's window elapses. The group may already be
// gone if it filled up or the window was closed.
func (w *Window) expire(k groupKey) {
	w.mu.Lock()
	g, ok := w.groups[k]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.groups, k)
	w.mu.Unlock()
	w.flush(g)
}

// Close stops accepting new members and flushes every open group.
// Alerts added afterwards pass straight through.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	open := make([]*group, 0, len(w.groups))
	for k, g := range w.groups {
		g.timer.Stop()
		open = append(open, g)
		delete(w.groups, k)
	}
	w.mu.Unlock()
	for _, g := range open {
		w.flush(g)
	}
}

// Pending reports the number of open groups.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.groups)
}

func (w *Window) flush(g *group) {
	if g.members == 1 {
		w.emit(g.rep)
		return
	}
	g.rep.NormalizedData.OccurrenceCount = g.members
	g.rep.NormalizedData.AggregatedAlertID = g.ids
	union := make(map[domain.IOCType][]string, len(g.iocs))
	for _, kind := range kindOrder {
		if vals := g.iocs[kind]; len(vals) > 0 {
			union[kind] = vals
		}
	}
	g.rep.NormalizedData.IOCsExtracted = union
	if w.log != nil {
		w.log.Info("aggregated alert group",
			"source_ip", g.rep.SourceIP,
			"alert_type", g.rep.AlertType,
			"occurrence_count", g.members)
	}
	w.emit(g.rep)
}

// absorb folds one member into the group.
func (g *group) absorb(a *domain.Alert) {
	g.members++
	g.ids = append(g.ids, a.AlertID)
	for _, kind := range kindOrder {
		for _, v := range a.NormalizedData.IOCsExtracted[kind] {
			key := string(kind) + "\x00" + v
			if _, dup := g.seen[key]; dup {
				continue
			}
			g.seen[key] = struct{}{}
			g.iocs[kind] = append(g.iocs[kind], v)
		}
	}
}
