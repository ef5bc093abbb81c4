package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/chazu/codezone/backend"
	"github.com/chazu/codezone/config"
	"github.com/chazu/codezone/eventlog"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/vm"
	"github.com/chazu/codezone/zone"
)

// workload drives a code cache with a synthetic program: a family of
// classes answering value and area, half of them compiled, and a driver
// method whose send sites see random receivers.
type workload struct {
	z        *zone.Zone
	compiler *backend.Compiler
	events   *eventlog.Log
	rng      *rand.Rand

	classes   []*vm.Class
	receivers []vm.Oop
	sites     []*ic.InterpretedIC

	invalidateEvery int
	invalidations   int
}

func newWorkload(cfg *config.Config, classes int, seed int64) (*workload, error) {
	u := vm.NewUniverse()
	events := eventlog.New(cfg.EventLog.Capacity)
	z, err := zone.New(cfg, u, masm.NewRuntime(u), zone.WithEventLog(events))
	if err != nil {
		return nil, err
	}
	w := &workload{
		z:               z,
		compiler:        backend.New(z),
		events:          events,
		rng:             rand.New(rand.NewSource(seed)),
		invalidateEvery: 500,
	}

	for i := 0; i < classes; i++ {
		c := u.DefineClass(fmt.Sprintf("Shape%d", i), u.ObjectClass, 1)
		u.DefineMethod(c, "value", vm.MethodNormal, nil)
		area := u.DefineMethod(c, "area", vm.MethodAccess, nil)
		area.Field = 0
		w.classes = append(w.classes, c)
		w.receivers = append(w.receivers, u.NewTenured(c))
		if i%2 == 0 {
			w.compile(c)
		}
	}

	var code []byte
	for _, sel := range []string{"value", "area", "value"} {
		code = append(code, ic.EncodeSend(ic.NormalSend, u.Selectors.Intern(sel))...)
	}
	driver := u.DefineMethod(u.ObjectClass, "drive:", vm.MethodNormal, code)
	for _, pc := range ic.SendSites(driver) {
		w.sites = append(w.sites, ic.NewInterpretedIC(z.Dispatch(), driver, pc))
	}
	events.Record(eventlog.Note, 0, "workload of %d classes, seed %d", classes, seed)
	return w, nil
}

func (w *workload) compile(c *vm.Class) {
	w.compiler.Recompile(backend.Method{
		Klass:    c,
		Selector: "value",
		Sends:    []string{"area"},
		Blocks:   []backend.Block{{Sends: []string{"value"}, BCIStart: 2, BCIEnd: 6}},
	})
}

// step performs one round of sends from every driver site.
func (w *workload) step(i int) {
	for _, site := range w.sites {
		recv := w.receivers[w.rng.Intn(len(w.receivers))]
		tgt := site.Send(recv, nil)
		if nm := tgt.NMethod; nm != nil && nm.IsAlive() {
			nm.Invoke()
			for _, c := range ic.CompiledICs(w.z.Dispatch(), nm) {
				c.Send(recv, nil)
			}
			if blocks := w.z.JumpTable().Blocks(nm.MainID); len(blocks) > 0 {
				jt := w.z.JumpTable()
				if jt.Destination(blocks[0]) == w.z.Stubs().CompileBlockStub {
					w.z.CompileBlock(jt.EntryAddress(blocks[0]))
				}
			}
		}
	}
	if w.invalidateEvery > 0 && i > 0 && i%w.invalidateEvery == 0 {
		c := w.classes[2*w.rng.Intn((len(w.classes)+1)/2)]
		if w.z.Invalidate(c.Oop) > 0 {
			w.invalidations++
			w.compile(c)
		}
	}
	if i%64 == 0 {
		w.z.SafePoint()
	}
	if i > 0 && i%1000 == 0 {
		w.z.FlushZombies()
	}
}

func (w *workload) run(rounds int) {
	for i := 0; i < rounds; i++ {
		w.step(i)
	}
	w.z.FlushZombies()
	w.z.Sweep()
}

func (w *workload) report(out io.Writer) error {
	rt := w.z.Dispatch()
	census := ic.TakeCensus(rt, w.z.Universe().Methods())
	_, err := fmt.Fprintf(out, "%s\ndispatch: %s\nsites: %d (%d mono, %d poly, %d mega), %d invalidations\n",
		w.z.Stats(), &rt.Stats, census.Sites, census.Monomorphic, census.Polymorphic, census.Megamorphic, w.invalidations)
	return err
}

func (w *workload) close() error { return w.z.Close() }
