package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Validate checks that the script compiles and exports a 'transform' function.
func Validate(scriptBody string) error {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	_, err := vm.RunString(scriptBody)
	if err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil || fn == goja.Undefined() || fn == goja.Null() {
		return ErrNoTransform
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return ErrNoTransform
	}

	return nil
}

// TransformPayload executes the script's transform(event) function against a
// serialized payload envelope and returns the re-serialized envelope with the
// script's return value substituted for the envelope's data field. A
// null/undefined return keeps the payload unchanged.
func TransformPayload(scriptBody string, payload []byte) (result []byte, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				result = nil
				err = ErrScriptTimeout
			} else {
				result = nil
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	_, err = vm.RunString(scriptBody)
	if err != nil {
		return nil, fmt.Errorf("script compilation error: %w", err)
	}

	transformFn := vm.Get("transform")
	if transformFn == nil || transformFn == goja.Undefined() || transformFn == goja.Null() {
		return nil, ErrNoTransform
	}

	callable, ok := goja.AssertFunction(transformFn)
	if !ok {
		return nil, ErrNoTransform
	}

	arg := vm.ToValue(envelope)
	ret, err := callable(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	// null/undefined return keeps the payload unchanged
	if ret == nil || ret == goja.Undefined() || ret == goja.Null() {
		return payload, nil
	}

	envelope["data"] = ret.Export()

	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal transformed payload: %w", err)
	}
	return out, nil
}
