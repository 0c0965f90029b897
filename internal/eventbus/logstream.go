package eventbus

import (
	"strconv"
	"sync"
)

// LogChunk is one delta of a run's live output.
type LogChunk struct {
	Name     string
	Build    int
	Chunk    []byte
	Complete bool
}

// LogBus fans out per-run log chunks. Unlike the generic Bus,
// intermediate chunks may be dropped under backpressure but the final
// complete=true chunk must always be observed by every live
// subscriber — the design note in §9 calls this out explicitly, so a
// subscriber whose queue is full when the final chunk arrives has its
// buffered chunks dropped to make room for it. Every subscriber's
// channel is closed after the final chunk.
type LogBus struct {
	mu   sync.Mutex
	subs map[string]map[uint64]chan LogChunk
	seq  uint64
}

// NewLogBus returns an empty log fan-out.
func NewLogBus() *LogBus {
	return &LogBus{subs: map[string]map[uint64]chan LogChunk{}}
}

func key(name string, build int) string {
	return name + "\x00" + strconv.Itoa(build)
}

// Subscribe registers a subscriber for one run's log stream.
func (b *LogBus) Subscribe(name string, build int, buffer int) (<-chan LogChunk, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan LogChunk, buffer)
	k := key(name, build)

	b.mu.Lock()
	b.seq++
	id := b.seq
	if b.subs[k] == nil {
		b.subs[k] = map[uint64]chan LogChunk{}
	}
	b.subs[k][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if m, ok := b.subs[k]; ok {
				if c, ok := m[id]; ok && c == ch {
					delete(m, id)
					close(ch)
				}
				if len(m) == 0 {
					delete(b.subs, k)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish delivers chunk to every live subscriber of (name, build).
// Non-final chunks are dropped on a full queue; a final chunk forces
// delivery by draining a full subscriber's queue first, then closes
// the subscriber.
func (b *LogBus) Publish(name string, build int, chunk []byte, complete bool) {
	k := key(name, build)

	b.mu.Lock()
	m := b.subs[k]
	chans := make(map[uint64]chan LogChunk, len(m))
	for id, ch := range m {
		chans[id] = ch
	}
	if complete {
		delete(b.subs, k)
	}
	b.mu.Unlock()

	ev := LogChunk{Name: name, Build: build, Chunk: chunk, Complete: complete}
	for _, ch := range chans {
		deliverLogChunk(ch, ev, complete)
	}
}

// deliverLogChunk sends ev on ch, guarding against a concurrent
// unsubscribe closing ch out from under us (mirrors Bus.Publish's
// recover guard). A full queue drops non-final chunks; a final chunk
// is forced through by draining the buffer first.
func deliverLogChunk(ch chan LogChunk, ev LogChunk, complete bool) {
	defer func() { _ = recover() }()

	select {
	case ch <- ev:
		if complete {
			close(ch)
		}
	default:
		if complete {
			// Force the final chunk through: drop whatever is
			// buffered, deliver complete=true, then close.
			drain(ch)
			ch <- ev
			close(ch)
		}
	}
}

func drain(ch chan LogChunk) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
