// Package fatal implements the abort protocol for broken invariants.
//
// Nothing in the code cache recovers from a malformed operand, a duplicate
// registration or an exhausted table: those conditions mean the code
// generator or a capacity limit is wrong. Errorf runs the registered dump
// hooks (the event log, the compiler state) and then panics with an *Error,
// which the embedding process is expected to let crash.
package fatal

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("codezone.fatal")

// Error is the panic value of every fatal abort.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "fatal: " + e.Msg
}

var (
	hooksMu sync.Mutex
	hooks   = map[string]func(msg string){}
)

// RegisterHook installs fn under name; it runs before every abort.
// Registering the same name again replaces the previous hook.
func RegisterHook(name string, fn func(msg string)) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[name] = fn
}

// UnregisterHook removes the hook registered under name.
func UnregisterHook(name string) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	delete(hooks, name)
}

// Errorf aborts with a formatted message.
func Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)

	hooksMu.Lock()
	pending := make([]func(string), 0, len(hooks))
	for _, fn := range hooks {
		pending = append(pending, fn)
	}
	hooksMu.Unlock()

	for _, fn := range pending {
		fn(msg)
	}
	panic(&Error{Msg: msg})
}

// Check aborts with the formatted message unless cond holds.
func Check(cond bool, format string, args ...any) {
	if !cond {
		Errorf(format, args...)
	}
}
