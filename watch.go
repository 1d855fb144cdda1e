package vaultenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxWatchers bounds the subscriber channels of one Watcher.
const DefaultMaxWatchers = 100

// ErrPermissionsChanged reports that a watched file changed its group or
// world permission bits. The settings are not reloaded from such a file.
var ErrPermissionsChanged = errors.New("watched file permissions changed")

// WatchOptions configures file watching behavior
type WatchOptions struct {
	// PollInterval for file stat checks (minimum 100ms)
	PollInterval time.Duration

	// Debounce duration to avoid rapid reloads
	Debounce time.Duration

	// MaxWatchers limits concurrent subscriber channels
	MaxWatchers int

	// ReloadTimeout bounds one reload, vault query included
	ReloadTimeout time.Duration

	// VerifyPermissions refuses to reload a file whose group or world
	// permissions changed
	VerifyPermissions bool
}

// DefaultWatchOptions returns sensible defaults for file watching
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{
		PollInterval:      DefaultPollInterval,
		Debounce:          DefaultDebounce,
		MaxWatchers:       DefaultMaxWatchers,
		ReloadTimeout:     DefaultReloadTimeout,
		VerifyPermissions: true,
	}
}

// Event describes the outcome of one reload.
type Event struct {
	// File is the watched path whose change triggered the event.
	File string
	// Paths lists the field paths whose value changed, sorted.
	Paths []string
	// Err is set when the reload failed or was refused; the previous
	// settings stay current.
	Err error
}

type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
	mode    os.FileMode
}

// Watcher keeps a settings value current while the dotenv files and
// secrets directory of its loader change on disk.
type Watcher[T any] struct {
	loader *Loader
	opts   WatchOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.RWMutex
	current       *T
	trace         Trace
	files         map[string]fileState
	pending       string
	subscribers   map[int64]chan Event
	nextID        atomic.Int64
	debounceTimer *time.Timer

	reloadInProgress atomic.Bool
}

// Watch loads T with l and starts polling the files l reads. The watcher
// stops when ctx is done or Stop is called.
func Watch[T any](ctx context.Context, l *Loader, opts WatchOptions) (*Watcher[T], error) {
	if opts.PollInterval < MinPollInterval {
		opts.PollInterval = MinPollInterval
	}
	if opts.MaxWatchers <= 0 {
		opts.MaxWatchers = DefaultMaxWatchers
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = DefaultReloadTimeout
	}

	initial := new(T)
	trace, err := l.Load(ctx, initial)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher[T]{
		loader:      l,
		opts:        opts,
		logger:      l.logger,
		ctx:         wctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		current:     initial,
		trace:       trace,
		files:       make(map[string]fileState),
		subscribers: make(map[int64]chan Event),
	}
	for _, path := range l.watchPaths() {
		w.files[path] = statFile(path)
	}

	go w.watchLoop()
	return w, nil
}

// Current returns the latest successfully loaded settings. The value must
// be treated as read-only.
func (w *Watcher[T]) Current() *T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Trace returns the source trace of the current settings.
func (w *Watcher[T]) Trace() Trace {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(Trace, len(w.trace))
	for k, v := range w.trace {
		out[k] = v
	}
	return out
}

// Files lists the watched paths, sorted.
func (w *Watcher[T]) Files() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel receiving reload events. It is closed when
// the watcher stops. Beyond MaxWatchers a closed channel is returned.
func (w *Watcher[T]) Subscribe() <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscribers) >= w.opts.MaxWatchers || w.ctx.Err() != nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, 10)
	id := w.nextID.Add(1)
	w.subscribers[id] = ch
	return ch
}

// Stop terminates polling and closes every subscriber channel.
func (w *Watcher[T]) Stop() {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(ShutdownTimeout):
	}
}

func (w *Watcher[T]) watchLoop() {
	defer close(w.done)
	defer w.closeSubscribers()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles compares each watched path to its last state and schedules a
// debounced reload on change.
func (w *Watcher[T]) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, prev := range w.files {
		next := statFile(path)
		if next.equal(prev) {
			continue
		}

		if w.opts.VerifyPermissions && prev.exists && next.exists &&
			(next.mode&0077) != (prev.mode&0077) {
			w.files[path] = next
			w.notifyLocked(Event{File: path, Err: fmt.Errorf("%w: %s", ErrPermissionsChanged, path)})
			continue
		}

		w.files[path] = next
		w.pending = path
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceTimer = time.AfterFunc(w.opts.Debounce, w.reload)
	}
}

// reload loads a fresh T and swaps it in when it succeeds.
func (w *Watcher[T]) reload() {
	if !w.reloadInProgress.CompareAndSwap(false, true) {
		return
	}
	defer w.reloadInProgress.Store(false)

	w.mu.RLock()
	file := w.pending
	w.mu.RUnlock()

	ctx, cancel := context.WithTimeout(w.ctx, w.opts.ReloadTimeout)
	defer cancel()

	type outcome struct {
		next  *T
		trace Trace
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		next := new(T)
		trace, err := w.loader.Load(ctx, next)
		done <- outcome{next: next, trace: trace, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("reload timed out: %w", ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}

	if res.err != nil {
		w.logger.Warn("settings reload failed", "file", file, "error", res.err)
		w.notifyLocked(Event{File: file, Err: res.err})
		return
	}

	changed := changedPaths(w.loader, w.current, res.next)
	w.current = res.next
	w.trace = res.trace
	w.logger.Debug("settings reloaded", "file", file, "changed", len(changed))
	if len(changed) > 0 {
		w.notifyLocked(Event{File: file, Paths: changed})
	}
}

// notifyLocked sends ev to every subscriber without blocking. Callers hold
// w.mu.
func (w *Watcher[T]) notifyLocked(ev Event) {
	for _, ch := range w.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (w *Watcher[T]) closeSubscribers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	for id, ch := range w.subscribers {
		close(ch)
		delete(w.subscribers, id)
	}
}

// watchPaths returns the dotenv files and secrets directory the loader's
// sources read.
func (l *Loader) watchPaths() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, src := range l.sources {
		switch s := src.(type) {
		case *DotenvSource:
			for _, p := range s.Paths {
				add(p)
			}
		case *FileSecretSource:
			add(s.Dir)
		}
	}
	return out
}

func (s fileState) equal(o fileState) bool {
	return s.exists == o.exists && s.modTime.Equal(o.modTime) && s.size == o.size && s.mode == o.mode
}

func statFile(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, modTime: info.ModTime(), size: info.Size(), mode: info.Mode()}
}

// changedPaths lists the schema paths whose values differ between a and b.
func changedPaths[T any](l *Loader, a, b *T) []string {
	schema, err := l.Schema(a)
	if err != nil {
		return nil
	}
	ra, rb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()

	var out []string
	compare := func(path, decodePath string) {
		va, oka := valueAt(ra, schema.TagName, decodePath)
		vb, okb := valueAt(rb, schema.TagName, decodePath)
		if oka != okb || !reflect.DeepEqual(va, vb) {
			out = append(out, path)
		}
	}
	for _, f := range schema.Fields {
		compare(f.Path, f.DecodePath)
	}
	for _, ns := range schema.Nested {
		compare(ns.Path, ns.DecodePath)
	}
	sort.Strings(out)
	return out
}

// valueAt reads the field at a decode path without allocating nil
// pointers.
func valueAt(root reflect.Value, tagName, path string) (any, bool) {
	current := root
	for _, key := range strings.Split(path, ".") {
		for current.Kind() == reflect.Ptr {
			if current.IsNil() {
				return nil, false
			}
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return nil, false
		}
		next, ok := findField(current, tagName, key)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current.Interface(), true
}
