package eventlog

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chazu/codezone/fatal"
)

func fixedClock(l *Log) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	l.now = func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Microsecond)
	}
}

func TestRingKeepsNewest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Record(Install, uint32(0x4000_0000+i), "m%d", i)
	}
	events := l.Events()
	require.Len(t, events, 3)
	require.Equal(t, []uint64{3, 4, 5}, []uint64{events[0].Seq, events[1].Seq, events[2].Seq})
	require.Equal(t, "m4", events[2].Detail)
	require.Equal(t, uint64(5), l.Total())
}

func TestDump(t *testing.T) {
	l := New(4)
	l.Record(Zombie, 0x4000_0020, "Point>>x")
	var buf bytes.Buffer
	require.NoError(t, l.Dump(&buf))
	out := buf.String()
	require.Contains(t, out, "last 1 of 1 events")
	require.Contains(t, out, "zombie")
	require.Contains(t, out, "Point>>x")
	require.Contains(t, out, l.Session().String())
}

func TestDumpOnFatal(t *testing.T) {
	l := New(4)
	var buf bytes.Buffer
	remove := l.DumpOnFatal(&buf, nil)
	defer remove()

	require.Panics(t, func() { fatal.Errorf("zone: full") })
	require.True(t, strings.Contains(buf.String(), "zone: full"))
	events := l.Events()
	require.Equal(t, Fatal, events[len(events)-1].Kind)
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	l := New(8)
	fixedClock(l)
	l.Record(Install, 0x4000_0000, "A>>foo")
	l.Record(Flush, 0x4000_0000, "A>>foo")
	require.NoError(t, store.Save(l.Session(), l.Events()))
	require.NoError(t, store.Save(l.Session(), l.Events()), "saving twice keeps one copy")

	got, err := store.Load(l.Session())
	require.NoError(t, err)
	want := l.Events()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Seq, got[i].Seq)
		require.Equal(t, want[i].Kind, got[i].Kind)
		require.Equal(t, want[i].Addr, got[i].Addr)
		require.Equal(t, want[i].Detail, got[i].Detail)
		require.True(t, want[i].Time.Equal(got[i].Time))
	}

	sessions, err := store.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, l.Session(), sessions[0])
}

func TestStoreAfterClose(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	l := New(4)
	l.Record(Install, 0x4000_0000, "A>>foo")
	require.ErrorIs(t, store.Save(l.Session(), l.Events()), ErrClosed)
	_, err = store.Load(l.Session())
	require.ErrorIs(t, err, ErrClosed)
	_, err = store.Sessions()
	require.ErrorIs(t, err, ErrClosed)
}
