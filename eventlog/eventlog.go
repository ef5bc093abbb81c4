// Package eventlog keeps the last N internal events of the code cache for
// post-mortem diagnostics. The ring is dumped when the process aborts and
// may be persisted to SQLite.
package eventlog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/codezone/fatal"
)

var log = commonlog.GetLogger("codezone.eventlog")

// Kind classifies an event.
type Kind uint8

const (
	Note Kind = iota
	Install
	Zombie
	Flush
	Sweep
	Compact
	CompileBlock
	Deoptimize
	Fatal
)

var kindNames = [...]string{"note", "install", "zombie", "flush", "sweep", "compact", "compile-block", "deoptimize", "fatal"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Event is one log record.
type Event struct {
	Seq    uint64    `cbor:"1,keyasint"`
	Time   time.Time `cbor:"2,keyasint"`
	Kind   Kind      `cbor:"3,keyasint"`
	Addr   uint32    `cbor:"4,keyasint,omitempty"`
	Detail string    `cbor:"5,keyasint,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("%6d %s %-13s %#08x %s", e.Seq, e.Time.Format("15:04:05.000000"), e.Kind, e.Addr, e.Detail)
}

// Log is a fixed-capacity ring of events.
type Log struct {
	mu      sync.Mutex
	ring    []Event
	next    int
	full    bool
	seq     uint64
	session uuid.UUID
	now     func() time.Time
}

// New creates a ring holding the last capacity events.
func New(capacity int) *Log {
	fatal.Check(capacity > 0, "eventlog: capacity %d", capacity)
	return &Log{
		ring:    make([]Event, capacity),
		session: uuid.New(),
		now:     time.Now,
	}
}

// Session identifies this process run in persisted logs.
func (l *Log) Session() uuid.UUID { return l.session }

// Record appends an event, overwriting the oldest one when full.
func (l *Log) Record(kind Kind, addr uint32, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.ring[l.next] = Event{
		Seq:    l.seq,
		Time:   l.now(),
		Kind:   kind,
		Addr:   addr,
		Detail: fmt.Sprintf(format, args...),
	}
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
}

// Events returns the retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Event(nil), l.ring[:l.next]...)
	}
	out := make([]Event, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Total returns how many events were ever recorded.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Dump writes the retained events to w.
func (l *Log) Dump(w io.Writer) error {
	events := l.Events()
	if _, err := fmt.Fprintf(w, "last %d of %d events (session %s)\n", len(events), l.Total(), l.session); err != nil {
		return err
	}
	for _, e := range events {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	return nil
}

// hookName is the fatal hook registered by DumpOnFatal.
const hookName = "eventlog"

// DumpOnFatal arranges for the ring to be written to w, and saved to store
// when it is not nil, before any fatal abort. The returned function
// removes the hook.
func (l *Log) DumpOnFatal(w io.Writer, store *Store) func() {
	fatal.RegisterHook(hookName, func(msg string) {
		l.Record(Fatal, 0, "%s", msg)
		if err := l.Dump(w); err != nil {
			log.Errorf("dump: %s", err)
		}
		if store != nil {
			if err := store.Save(l.session, l.Events()); err != nil {
				log.Errorf("save: %s", err)
			}
		}
	})
	return func() { fatal.UnregisterHook(hookName) }
}
