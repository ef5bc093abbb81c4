package zone

import (
	"errors"
	"fmt"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/vm"
)

// OopsDo applies fn to every object reference held by compiled code and by
// send sites. Changes made through the pointer are written back.
func (z *Zone) OopsDo(fn func(*vm.Oop)) {
	for _, nm := range z.All() {
		nm.OopsDo(fn)
	}
	z.dispatch.Arrays.OopsDo(fn)
	for _, m := range z.universe.Methods() {
		for _, pc := range ic.SendSites(m) {
			ic.NewInterpretedIC(z.dispatch, m, pc).OopsDo(fn)
		}
	}
}

// SwitchPointers replaces every reference to from with to.
func (z *Zone) SwitchPointers(from, to vm.Oop) {
	z.OopsDo(func(p *vm.Oop) {
		if *p == from {
			*p = to
		}
	})
	z.dispatch.Invalidate()
}

// Verify checks every method, its publication and the tables. Findings are
// logged; under strict verification they are fatal.
func (z *Zone) Verify() error {
	var errs []error
	end := uint32(Base)
	for _, nm := range z.All() {
		if nm.Address() < end {
			errs = append(errs, fmt.Errorf("zone: %s overlaps its predecessor", nm))
		}
		end = nm.Address() + uint32(nm.Size())
		if end > Base+uint32(z.top) {
			errs = append(errs, fmt.Errorf("zone: %s extends past the top", nm))
		}
		if err := nm.Verify(); err != nil {
			errs = append(errs, err)
		}
		if z.FindNMethod(nm.CodeBegin()) != nm {
			errs = append(errs, fmt.Errorf("zone: %s not found by address", nm))
		}

		published := !nm.IsBlock && z.Lookup(nm.Key()) == nm
		switch {
		case nm.IsAlive():
			if !nm.IsBlock && !published {
				errs = append(errs, fmt.Errorf("zone: live %s not in the code table", nm))
			}
			if dest := z.jumps.Destination(nm.MainID); dest != nm.VerifiedEntryAddr() {
				errs = append(errs, fmt.Errorf("zone: jump table entry of %s leads to %#x", nm, dest))
			}
		case published:
			errs = append(errs, fmt.Errorf("zone: zombie %s still in the code table", nm))
		}

		nm.OopsDo(func(p *vm.Oop) {
			if z.universe.IsYoung(*p) {
				errs = append(errs, fmt.Errorf("zone: %s refers to young %v", nm, *p))
			}
		})
	}
	if err := z.code.Verify(); err != nil {
		errs = append(errs, err)
	}
	if err := z.jumps.Verify(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warningf("verification failed: %s", err)
		if z.cfg.Zone.StrictVerification {
			fatal.Errorf("zone: verification failed: %s", err)
		}
	}
	return err
}
