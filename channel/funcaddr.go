package channel

import "reflect"

// funcAddr returns the entry point address of a function value, used only
// to detect duplicate callback registrations. Nil-safe.
func funcAddr(f Callback) uintptr {
	if f == nil {
		return 0
	}
	return reflect.ValueOf(f).Pointer()
}
