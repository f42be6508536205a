// Package reactive provides the path-addressable state tree shared by the
// query pipeline and the widgets. Every write is recorded in a bounded
// undo/redo history and announced to subscribers of the written path, its
// ancestors and the global "" path.
//
// A Store is an explicit instance owned by whoever builds it and passed to
// collaborators; there is no package-level singleton.
package reactive

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultMaxHistory is the number of history entries kept when Options
// does not say otherwise.
const DefaultMaxHistory = 50

// Change is delivered to a listener.
type Change struct {
	// Path is the path the listener subscribed to.
	Path string
	// Value is the value at Path after the change.
	Value any
	// Written lists the paths the mutation touched. It is nil for
	// undo, redo and reset, which notify every subscriber.
	Written []string
	// Description is the history description of the mutation.
	Description string
}

// Listener receives change notifications.
type Listener func(Change)

// HistoryEntry is one point-in-time tree in the undo history. Snapshot is
// the tree after the described change; the entry before it holds the tree
// the change was applied to.
type HistoryEntry struct {
	Snapshot    map[string]any
	Timestamp   time.Time
	Description string
}

// Options configures a Store.
type Options struct {
	// MaxHistory bounds the number of history entries (default 50, minimum 2).
	MaxHistory int
	// Defaults builds the initial tree and the tree restored by Reset.
	// DefaultTree is used when nil.
	Defaults func() map[string]any
	Logger   *slog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

// Store is safe for concurrent use. Listeners run after the store lock is
// released, so they may read or write the store themselves. Changes are
// delivered one at a time in write order: when another goroutine is
// already delivering, a write queues its changes for that goroutine and
// returns.
type Store struct {
	mu sync.Mutex

	pending     []call
	dispatching bool

	root    map[string]any
	entries []HistoryEntry
	cursor  int

	maxHistory int
	defaults   func() map[string]any
	logger     *slog.Logger

	subs   map[string][]subscription
	nextID uint64
}

// New creates a store holding the default tree.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if maxHistory < 2 {
		maxHistory = 2
	}
	defaults := opts.Defaults
	if defaults == nil {
		defaults = DefaultTree
	}

	s := &Store{
		maxHistory: maxHistory,
		defaults:   defaults,
		logger:     logger,
		subs:       make(map[string][]subscription),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	root, _ := cloneValue(s.defaults()).(map[string]any)
	if root == nil {
		root = map[string]any{}
	}
	s.root = root
	s.entries = []HistoryEntry{{Snapshot: root, Timestamp: time.Now().UTC(), Description: "initial state"}}
	s.cursor = 0
}

// GetState returns the value at path, or the whole tree for "". Missing
// paths yield nil. The returned value is a snapshot: later writes replace
// subtrees instead of mutating it, and callers must not mutate it either.
func (s *Store) GetState(path string) any {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()

	if path == "" {
		return root
	}
	return getIn(root, splitPath(path))
}

// SetState writes one value and records one history entry.
func (s *Store) SetState(path string, value any, description string) {
	s.BatchUpdate(map[string]any{path: value}, description)
}

// BatchUpdate applies every update under one history entry and notifies
// each affected path exactly once.
func (s *Store) BatchUpdate(updates map[string]any, description string) {
	if len(updates) == 0 {
		return
	}

	written := make([]string, 0, len(updates))
	for p := range updates {
		written = append(written, p)
	}
	sort.Strings(written)

	s.mu.Lock()
	root := s.root
	for _, p := range written {
		v := cloneValue(updates[p])
		if p == "" {
			m, ok := v.(map[string]any)
			if !ok {
				s.logger.Debug("ignoring non-object write to root", "description", description)
				continue
			}
			root = m
			continue
		}
		root = setIn(root, splitPath(p), v)
	}
	s.root = root
	s.pushLocked(description)
	s.enqueueLocked(s.collectLocked(notifyOrder(written), written, description))
	s.mu.Unlock()

	s.logger.Debug("state updated", "paths", written, "description", description)
	s.drain()
}

// pushLocked discards any redo branch and appends the live tree.
func (s *Store) pushLocked(description string) {
	s.entries = append(s.entries[:s.cursor+1], HistoryEntry{
		Snapshot:    s.root,
		Timestamp:   time.Now().UTC(),
		Description: description,
	})
	s.cursor = len(s.entries) - 1

	if len(s.entries) > s.maxHistory {
		drop := len(s.entries) - s.maxHistory
		// Copy so the evicted snapshots are not kept alive by the backing array.
		s.entries = append([]HistoryEntry(nil), s.entries[drop:]...)
		s.cursor -= drop
	}
}

// Undo moves back one history entry. It returns false at the oldest entry.
func (s *Store) Undo() bool {
	return s.move(-1, "undo")
}

// Redo moves forward one history entry. It returns false at the newest entry.
func (s *Store) Redo() bool {
	return s.move(1, "redo")
}

func (s *Store) move(delta int, description string) bool {
	s.mu.Lock()
	next := s.cursor + delta
	if next < 0 || next >= len(s.entries) {
		s.mu.Unlock()
		return false
	}
	s.cursor = next
	s.root = s.entries[next].Snapshot
	s.enqueueLocked(s.collectAllLocked(description))
	s.mu.Unlock()

	s.logger.Debug("history moved", "action", description, "cursor", next)
	s.drain()
	return true
}

// Reset clears the history and restores the default tree.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.enqueueLocked(s.collectAllLocked("reset"))
	s.mu.Unlock()

	s.drain()
}

// CanUndo reports whether Undo would succeed.
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor > 0
}

// CanRedo reports whether Redo would succeed.
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor < len(s.entries)-1
}

// History returns the recorded entries and the index of the live one.
func (s *Store) History() ([]HistoryEntry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.entries...), s.cursor
}

// Subscribe registers fn for changes at path ("" for every change) and
// returns a function that removes it.
func (s *Store) Subscribe(path string, fn Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[path] = append(s.subs[path], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[path]
			for i, sub := range list {
				if sub.id == id {
					s.subs[path] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[path]) == 0 {
				delete(s.subs, path)
			}
		})
	}
}

type call struct {
	fn     Listener
	change Change
}

func (s *Store) collectLocked(paths []string, written []string, description string) []call {
	var calls []call
	for _, p := range paths {
		subs := s.subs[p]
		if len(subs) == 0 {
			continue
		}
		value := any(s.root)
		if p != "" {
			value = getIn(s.root, splitPath(p))
		}
		for _, sub := range subs {
			calls = append(calls, call{fn: sub.fn, change: Change{
				Path:        p,
				Value:       value,
				Written:     written,
				Description: description,
			}})
		}
	}
	return calls
}

// collectAllLocked targets every subscriber: after a bulk restore the
// precise diff is unknown.
func (s *Store) collectAllLocked(description string) []call {
	paths := make([]string, 0, len(s.subs))
	for p := range s.subs {
		if p != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	paths = append(paths, "")
	return s.collectLocked(paths, nil, description)
}

func (s *Store) enqueueLocked(calls []call) {
	s.pending = append(s.pending, calls...)
}

// drain delivers queued changes until none are left. Only one goroutine
// drains at a time; the others return immediately.
func (s *Store) drain() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		calls := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, c := range calls {
			s.invoke(c)
		}
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

func (s *Store) invoke(c call) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", "path", c.change.Path, "panic", r)
		}
	}()
	c.fn(c.change)
}
