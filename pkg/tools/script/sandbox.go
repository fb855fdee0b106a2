package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Security levels.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var frozenBuiltins = []string{
	"Object", "Array", "Function", "String", "Number",
	"Boolean", "Date", "RegExp", "Error", "Math", "JSON",
}

// builtinGlobals survive the reset between runs.
var builtinGlobals = map[string]bool{
	"Object": true, "Array": true, "Function": true, "String": true, "Number": true,
	"Boolean": true, "Date": true, "RegExp": true, "Error": true, "Math": true, "JSON": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"decodeURI": true, "decodeURIComponent": true, "encodeURI": true, "encodeURIComponent": true,
	"undefined": true, "NaN": true, "Infinity": true, "eval": true, "globalThis": true,
	"input": true,
}

// applySandbox strips host globals and, outside permissive mode, freezes
// the builtins so one script cannot poison the VM for the next.
func applySandbox(vm *goja.Runtime, level string) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if level == SecurityLevelStrict {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if level == SecurityLevelPermissive {
		return nil
	}

	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return fmt.Errorf("Object.freeze is not a function")
	}
	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
		if proto := obj.ToObject(vm).Get("prototype"); proto != nil && !goja.IsUndefined(proto) {
			if _, err := freeze(goja.Undefined(), proto); err != nil {
				return fmt.Errorf("failed to freeze %s.prototype: %w", name, err)
			}
		}
	}
	return nil
}

// resetGlobals deletes globals a script created.
func resetGlobals(vm *goja.Runtime) {
	global := vm.GlobalObject()
	for _, key := range global.Keys() {
		if !builtinGlobals[key] {
			_ = global.Delete(key)
		}
	}
	_ = vm.Set("input", goja.Undefined())
}
