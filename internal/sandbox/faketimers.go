package sandbox

import (
	"fmt"
	"sort"

	"github.com/dop251/goja"
)

// maxTimerIterations bounds RunAllTimers so self-rescheduling timers
// terminate with an error instead of spinning forever.
const maxTimerIterations = 100000

// fakeTimer is one scheduled callback on the virtual clock.
type fakeTimer struct {
	id       int64
	expiry   int64
	interval int64 // 0 for one-shot timers
	callback goja.Callable
	args     []goja.Value
}

// FakeTimers replaces the sandbox timer globals with a virtual clock that
// only advances on request.
type FakeTimers struct {
	env *Environment
	vm  *goja.Runtime

	installed bool
	now       int64
	nextID    int64

	timers     map[int64]*fakeTimer
	ticks      []goja.Callable
	immediates []*fakeTimer

	// saved holds the timer globals replaced by UseFakeTimers.
	saved map[string]goja.Value
	// savedNextTick holds process.nextTick as it was before UseFakeTimers.
	savedNextTick goja.Value
}

var timerGlobalNames = []string{
	"setTimeout", "clearTimeout",
	"setInterval", "clearInterval",
	"setImmediate", "clearImmediate",
}

// NewFakeTimers creates the timer controller for an environment. The sandbox
// global carries no timer functions of its own; they exist only while
// UseFakeTimers has the virtual clock installed.
func NewFakeTimers(env *Environment) *FakeTimers {
	return &FakeTimers{
		env:    env,
		vm:     env.vm,
		timers: make(map[int64]*fakeTimer),
	}
}

// Installed reports whether the virtual clock is active.
func (t *FakeTimers) Installed() bool {
	return t.installed
}

// UseFakeTimers swaps the sandbox timer globals for the virtual clock.
func (t *FakeTimers) UseFakeTimers() {
	if t.installed {
		return
	}
	t.installed = true
	t.saved = make(map[string]goja.Value)
	global := t.env.global
	for _, name := range timerGlobalNames {
		t.saved[name] = global.Get(name)
	}

	global.Set("setTimeout", t.jsSchedule(false))
	global.Set("setInterval", t.jsSchedule(true))
	global.Set("clearTimeout", t.jsClear())
	global.Set("clearInterval", t.jsClear())
	global.Set("setImmediate", func(fc goja.FunctionCall) goja.Value {
		callback, ok := goja.AssertFunction(fc.Argument(0))
		if !ok {
			panic(t.vm.NewTypeError("setImmediate: callback is not a function"))
		}
		t.nextID++
		t.immediates = append(t.immediates, &fakeTimer{
			id:       t.nextID,
			callback: callback,
			args:     fc.Arguments[1:],
		})
		return t.vm.ToValue(t.nextID)
	})
	global.Set("clearImmediate", func(fc goja.FunctionCall) goja.Value {
		id := fc.Argument(0).ToInteger()
		for i, imm := range t.immediates {
			if imm.id == id {
				t.immediates = append(t.immediates[:i], t.immediates[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})

	if process := t.env.Process(); process != nil {
		t.savedNextTick = process.Get("nextTick")
		process.Set("nextTick", func(fc goja.FunctionCall) goja.Value {
			callback, ok := goja.AssertFunction(fc.Argument(0))
			if !ok {
				panic(t.vm.NewTypeError("nextTick: callback is not a function"))
			}
			t.ticks = append(t.ticks, callback)
			return goja.Undefined()
		})
	}
}

// UseRealTimers restores the saved timer globals and drops pending state.
func (t *FakeTimers) UseRealTimers() {
	if !t.installed {
		return
	}
	t.installed = false
	if !t.env.IsTornDown() {
		global := t.env.global
		for name, value := range t.saved {
			if value == nil {
				value = goja.Undefined()
			}
			global.Set(name, value)
		}
		if process := t.env.Process(); process != nil {
			if t.savedNextTick != nil {
				process.Set("nextTick", t.savedNextTick)
			} else {
				process.Delete("nextTick")
			}
		}
	}
	t.saved = nil
	t.savedNextTick = nil
	t.Reset()
}

// Reset clears every pending timer and rewinds the virtual clock.
func (t *FakeTimers) Reset() {
	t.timers = make(map[int64]*fakeTimer)
	t.ticks = nil
	t.immediates = nil
	t.now = 0
}

// jsSchedule builds the native setTimeout/setInterval replacement.
func (t *FakeTimers) jsSchedule(repeating bool) func(goja.FunctionCall) goja.Value {
	return func(fc goja.FunctionCall) goja.Value {
		callback, ok := goja.AssertFunction(fc.Argument(0))
		if !ok {
			panic(t.vm.NewTypeError("timer callback is not a function"))
		}
		delay := fc.Argument(1).ToInteger()
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(fc.Arguments) > 2 {
			args = fc.Arguments[2:]
		}
		t.nextID++
		timer := &fakeTimer{
			id:       t.nextID,
			expiry:   t.now + delay,
			callback: callback,
			args:     args,
		}
		if repeating {
			if delay == 0 {
				timer.interval = 1
			} else {
				timer.interval = delay
			}
		}
		t.timers[timer.id] = timer
		return t.vm.ToValue(timer.id)
	}
}

// jsClear builds the native clearTimeout/clearInterval replacement.
func (t *FakeTimers) jsClear() func(goja.FunctionCall) goja.Value {
	return func(fc goja.FunctionCall) goja.Value {
		delete(t.timers, fc.Argument(0).ToInteger())
		return goja.Undefined()
	}
}

// dueTimers returns pending timers expiring at or before limit, soonest
// first, ties broken by creation order.
func (t *FakeTimers) dueTimers(limit int64) []*fakeTimer {
	var due []*fakeTimer
	for _, timer := range t.timers {
		if timer.expiry <= limit {
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].expiry != due[j].expiry {
			return due[i].expiry < due[j].expiry
		}
		return due[i].id < due[j].id
	})
	return due
}

// fire runs one timer: removes or reschedules it, invokes the callback, and
// drains queued ticks the way the host runtime would between macrotasks.
func (t *FakeTimers) fire(timer *fakeTimer) error {
	if timer.interval > 0 {
		timer.expiry += timer.interval
	} else {
		delete(t.timers, timer.id)
	}
	if _, err := timer.callback(goja.Undefined(), timer.args...); err != nil {
		return err
	}
	return t.RunAllTicks()
}

// AdvanceTimersByTime moves the virtual clock forward, firing every timer
// that comes due on the way.
func (t *FakeTimers) AdvanceTimersByTime(ms int64) error {
	target := t.now + ms
	for {
		due := t.dueTimers(target)
		if len(due) == 0 {
			break
		}
		next := due[0]
		if next.expiry > t.now {
			t.now = next.expiry
		}
		if err := t.fire(next); err != nil {
			return err
		}
	}
	t.now = target
	return nil
}

// RunAllTimers fires timers until none remain.
func (t *FakeTimers) RunAllTimers() error {
	for i := 0; i < maxTimerIterations; i++ {
		due := t.dueTimers(int64(1)<<62 - 1)
		if len(due) == 0 {
			return nil
		}
		next := due[0]
		if next.expiry > t.now {
			t.now = next.expiry
		}
		if err := t.fire(next); err != nil {
			return err
		}
	}
	return fmt.Errorf("ran %d timers, and there are still more! Assuming an infinite loop", maxTimerIterations)
}

// RunOnlyPendingTimers fires the timers that were already scheduled when the
// call was made, but none scheduled by those callbacks.
func (t *FakeTimers) RunOnlyPendingTimers() error {
	pending := t.dueTimers(int64(1)<<62 - 1)
	for _, timer := range pending {
		if _, still := t.timers[timer.id]; !still {
			continue // cleared by an earlier callback
		}
		if timer.expiry > t.now {
			t.now = timer.expiry
		}
		if err := t.fire(timer); err != nil {
			return err
		}
	}
	return nil
}

// RunAllTicks drains the nextTick queue, including ticks queued while
// draining.
func (t *FakeTimers) RunAllTicks() error {
	for i := 0; i < maxTimerIterations && len(t.ticks) > 0; i++ {
		tick := t.ticks[0]
		t.ticks = t.ticks[1:]
		if _, err := tick(goja.Undefined()); err != nil {
			return err
		}
	}
	return nil
}

// RunAllImmediates drains the setImmediate queue in order.
func (t *FakeTimers) RunAllImmediates() error {
	for len(t.immediates) > 0 {
		imm := t.immediates[0]
		t.immediates = t.immediates[1:]
		if _, err := imm.callback(goja.Undefined(), imm.args...); err != nil {
			return err
		}
	}
	return nil
}

// ClearAllTimers discards every pending timer without firing it.
func (t *FakeTimers) ClearAllTimers() {
	t.timers = make(map[int64]*fakeTimer)
	t.immediates = nil
}

// GetTimerCount returns the number of pending timers and immediates.
func (t *FakeTimers) GetTimerCount() int {
	return len(t.timers) + len(t.immediates)
}
