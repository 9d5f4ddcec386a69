package scrippet

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// exportShape enumerates the supported authoring shapes a script may use to
// expose its invoke capability. The declaration order is the resolution
// precedence and is covered by tests; do not reorder.
type exportShape int

const (
	// shapeModuleExports: the script assigned module.exports (or populated
	// exports with its own members).
	shapeModuleExports exportShape = iota
	// shapeNamedClass: a class binding whose name matches the PascalCase
	// form of the stable ID.
	shapeNamedClass
	// shapeDefaultExport: exports.default holds the script value.
	shapeDefaultExport
	// shapeBareInvoke: a bare invoke function, wrapped into an object.
	shapeBareInvoke
	// shapeGlobalClass: a Scrippet class binding, as a last resort.
	shapeGlobalClass
)

var shapePrecedence = [...]exportShape{
	shapeModuleExports,
	shapeNamedClass,
	shapeDefaultExport,
	shapeBareInvoke,
	shapeGlobalClass,
}

// HostInfo identifies the embedding application to scripts.
type HostInfo struct {
	Name    string
	Version string
}

// Notifier is the fire-and-forget "tell the user" primitive. It must never
// block and nothing in the core depends on a return value.
type Notifier interface {
	Notify(message string)
}

// Instance is a compiled, sandbox-bound script ready to execute. Each
// instance owns a private goja runtime; Invoke serializes calls because the
// runtime is not goroutine-safe.
type Instance struct {
	id     string
	vm     *goja.Runtime
	self   *goja.Object
	invoke goja.Callable
	host   goja.Value

	mu sync.Mutex
}

// Invoke calls the script's invoke capability with the host handle. The call
// runs to completion before returning; the context interrupts long-running
// script code. Panics and thrown values surface as errors, never crash the
// host.
func (inst *Instance) Invoke(ctx context.Context) (err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	// A previous run may have been interrupted after its call returned;
	// clear the flag so it cannot poison this invocation.
	inst.vm.ClearInterrupt()

	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				inst.vm.Interrupt(ctx.Err())
			case <-done:
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()

	if _, runErr := inst.invoke(inst.self, inst.host); runErr != nil {
		return fmt.Errorf("script invocation failed: %w", runErr)
	}
	return nil
}

// Loader compiles script source text into isolated evaluation scopes and
// caches the resulting instances per stable ID.
//
// Isolation is a hygiene measure, not a security boundary: each script gets
// a private runtime, sees only the fixed binding set (host handle, Notice
// constructor, module/exports scaffolding, console), and has the common
// ambient global names shadowed so it cannot casually reach outside through
// them. A determined script is not contained.
type Loader struct {
	registry *require.Registry
	notifier Notifier
	info     HostInfo

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewLoader creates a loader delivering script notifications through the
// given notifier.
func NewLoader(notifier Notifier, info HostInfo) *Loader {
	return &Loader{
		registry:  require.NewRegistry(),
		notifier:  notifier,
		info:      info,
		instances: make(map[string]*Instance),
	}
}

// shadowedGlobals are ambient names bound to undefined inside every script
// scope.
var shadowedGlobals = []string{
	"globalThis", "window", "global", "self", "process", "require",
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Load returns the cached instance for id, compiling source on first use.
// All failure modes return a *LoadError; a partially-usable object is never
// returned or cached.
func (l *Loader) Load(id, source string) (*Instance, error) {
	l.mu.Lock()
	if inst, ok := l.instances[id]; ok {
		l.mu.Unlock()
		return inst, nil
	}
	l.mu.Unlock()

	inst, err := l.compile(id, source)
	if err != nil {
		return nil, &LoadError{ID: id, Err: err}
	}

	l.mu.Lock()
	l.instances[id] = inst
	l.mu.Unlock()
	return inst, nil
}

// Loaded reports whether an instance is cached for id.
func (l *Loader) Loaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.instances[id]
	return ok
}

// Invalidate drops the cached instance for id. Called whenever the registry
// signals that the underlying path's content may have changed, or the ID
// bound to a path changed.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.instances, id)
}

// InvalidateAll drops every cached instance.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instances = make(map[string]*Instance)
}

// Retain drops every cached instance whose ID is not accepted by keep.
func (l *Loader) Retain(keep func(id string) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.instances {
		if !keep(id) {
			delete(l.instances, id)
		}
	}
}

func (l *Loader) compile(id, source string) (_ *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script evaluation panicked: %v", r)
		}
	}()

	vm := goja.New()
	l.registry.Enable(vm)
	console.Enable(vm)

	wrapped := wrapSource(id, source)
	prg, err := goja.Compile(id+".js", wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}
	wrapperVal, err := vm.RunProgram(prg)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	wrapper, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return nil, fmt.Errorf("internal: script wrapper is not a function")
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, err
	}
	host := l.hostValue(vm)
	notice := l.noticeConstructor(vm)

	probeVal, err := wrapper(goja.Undefined(), moduleObj, exportsObj, host, notice)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	probe, ok := probeVal.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("internal: script probe missing")
	}

	value, shape, err := resolveExport(probe, exportsObj)
	if err != nil {
		return nil, err
	}

	self, err := materialize(vm, value, shape, host)
	if err != nil {
		return nil, err
	}

	// The single validation gate: the instance must expose callable invoke.
	invoke, ok := goja.AssertFunction(self.Get("invoke"))
	if !ok {
		return nil, fmt.Errorf("script does not provide a callable invoke")
	}

	return &Instance{id: id, vm: vm, self: self, invoke: invoke, host: host}, nil
}

// wrapSource builds the isolated evaluation scope: the script body runs
// inside a function receiving the fixed binding set, with ambient global
// names shadowed as trailing parameters that are never passed.
func wrapSource(id, source string) string {
	named := pascalCase(id)
	namedProbe := "undefined"
	if named != "" && identifierRe.MatchString(named) {
		namedProbe = fmt.Sprintf("(typeof %s === 'function') ? %s : undefined", named, named)
	}

	var b strings.Builder
	b.WriteString("(function (module, exports, host, Notice, ")
	b.WriteString(strings.Join(shadowedGlobals, ", "))
	b.WriteString(") {\n")
	b.WriteString(source)
	b.WriteString("\n;return {")
	b.WriteString("moduleExports: module.exports, ")
	b.WriteString(fmt.Sprintf("namedClass: %s, ", namedProbe))
	b.WriteString("bareInvoke: (typeof invoke === 'function') ? invoke : undefined, ")
	b.WriteString("globalClass: (typeof Scrippet === 'function') ? Scrippet : undefined")
	b.WriteString("};\n})")
	return b.String()
}

// resolveExport applies the shape precedence to the evaluation probe,
// returning the winning value and which shape produced it.
func resolveExport(probe, exports *goja.Object) (goja.Value, exportShape, error) {
	for _, shape := range shapePrecedence {
		switch shape {
		case shapeModuleExports:
			moduleExports := probe.Get("moduleExports")
			if obj, ok := moduleExports.(*goja.Object); ok {
				if !obj.SameAs(exports) {
					return moduleExports, shape, nil
				}
				// exports was populated in place rather than reassigned; an
				// object holding only a default export defers to the
				// default-export shape below.
				keys := obj.Keys()
				if len(keys) > 0 && !(len(keys) == 1 && keys[0] == "default") {
					return moduleExports, shape, nil
				}
			}
		case shapeNamedClass:
			if v := probe.Get("namedClass"); !isUndefined(v) {
				return v, shape, nil
			}
		case shapeDefaultExport:
			if v := exports.Get("default"); !isUndefined(v) {
				return v, shape, nil
			}
		case shapeBareInvoke:
			if v := probe.Get("bareInvoke"); !isUndefined(v) {
				return v, shape, nil
			}
		case shapeGlobalClass:
			if v := probe.Get("globalClass"); !isUndefined(v) {
				return v, shape, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("script exports nothing usable")
}

// materialize turns the resolved export value into the script instance:
// constructors are instantiated with the host handle, factories are called
// with it, a bare invoke function is wrapped, and plain objects are used
// as-is.
func materialize(vm *goja.Runtime, value goja.Value, shape exportShape, host goja.Value) (*goja.Object, error) {
	if shape == shapeBareInvoke {
		wrapperObj := vm.NewObject()
		if err := wrapperObj.Set("invoke", value); err != nil {
			return nil, err
		}
		return wrapperObj, nil
	}

	obj, ok := value.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("script export is not an object or function")
	}

	fn, isFn := goja.AssertFunction(value)
	if !isFn {
		return obj, nil
	}

	if hasPrototypeInvoke(obj) {
		inst, err := vm.New(value, host)
		if err != nil {
			return nil, fmt.Errorf("constructor failed: %w", err)
		}
		return inst, nil
	}

	// Not constructible into the capability contract; treat as a factory.
	result, err := fn(goja.Undefined(), host)
	if err != nil {
		return nil, fmt.Errorf("factory failed: %w", err)
	}
	resultObj, ok := result.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("factory did not produce an object")
	}
	return resultObj, nil
}

// hasPrototypeInvoke reports whether a function value is a constructor of
// the capability contract, i.e. its prototype carries a callable invoke.
func hasPrototypeInvoke(fn *goja.Object) bool {
	proto, ok := fn.Get("prototype").(*goja.Object)
	if !ok || proto == nil {
		return false
	}
	_, callable := goja.AssertFunction(proto.Get("invoke"))
	return callable
}

// hostValue builds the host handle exposed to scripts.
func (l *Loader) hostValue(vm *goja.Runtime) goja.Value {
	return vm.ToValue(map[string]interface{}{
		"name":    l.info.Name,
		"version": l.info.Version,
		"notify": func(message string) {
			l.notifier.Notify(message)
		},
	})
}

// noticeConstructor builds the Notice binding: constructing one delivers a
// fire-and-forget notification.
func (l *Loader) noticeConstructor(vm *goja.Runtime) goja.Value {
	return vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		message := call.Argument(0).String()
		l.notifier.Notify(message)
		_ = call.This.Set("message", message)
		return call.This
	})
}

func isUndefined(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// pascalCase converts a slug to the class name form scripts may use for the
// named-class shape: "tidy-notes" → "TidyNotes".
func pascalCase(slug string) string {
	parts := strings.Split(slug, "-")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
