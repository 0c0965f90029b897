package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

var errWatcherClosed = errors.New("config watcher channel closed")

// Watch watches cfg/contexts, cfg/jobs, cfg/groups.conf and
// custom/index.html for changes, debounces bursts of events, and
// calls onReload after every successful re-entrant Load(). The outer
// loop recreates the fsnotify watcher with jittered exponential
// backoff if it breaks, following the restart pattern used for the
// directory watcher elsewhere in the dependency pack.
func (l *Loader) Watch(ctx context.Context, onReload func(*Loaded)) error {
	dirs := []string{
		filepath.Join(l.settings.Home, "cfg"),
		filepath.Join(l.settings.Home, "cfg", "contexts"),
		filepath.Join(l.settings.Home, "cfg", "jobs"),
		filepath.Join(l.settings.Home, "custom"),
	}

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var timerMu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.settings.WatchDebounce, func() {
			loaded, err := l.Load()
			if err != nil {
				l.warn("config reload failed", "err", err)
				return
			}
			onReload(loaded)
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			if l.sleepBackoff(ctx, &backoff, rng) != nil {
				return nil
			}
			continue
		}

		added := 0
		for _, d := range dirs {
			if err := w.Add(d); err == nil {
				added++
			}
		}
		if added == 0 {
			_ = w.Close()
			if l.sleepBackoff(ctx, &backoff, rng) != nil {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		err = l.watchLoop(ctx, w, debounce)
		_ = w.Close()
		if err == nil {
			return nil
		}
		if l.sleepBackoff(ctx, &backoff, rng) != nil {
			return nil
		}
	}
}

// watchLoop runs until the watcher breaks or ctx is cancelled.
// Returns nil if ctx was cancelled (caller should stop), non-nil
// error otherwise (caller should restart).
func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, debounce func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if err == nil {
				continue
			}
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				debounce()
				continue
			}
			l.warn("config watch error", "err", err)
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return err
			}
		}
	}
}

// sleepBackoff waits out the current backoff (with jitter) or until
// ctx is cancelled, then doubles backoff toward restartBackoffMax.
// Returns a non-nil error only when ctx was cancelled.
func (l *Loader) sleepBackoff(ctx context.Context, backoff *time.Duration, rng *rand.Rand) error {
	wait := *backoff + time.Duration(rng.Int63n(int64(*backoff/2)+1))
	if *backoff < restartBackoffMax {
		*backoff *= 2
		if *backoff > restartBackoffMax {
			*backoff = restartBackoffMax
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
