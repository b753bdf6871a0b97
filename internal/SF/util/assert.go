package util

import (
	"fmt"
	"reflect"
)

// Assert panics with a formatted message if the condition is false.
// Used to catch programming errors in the storage layer before they turn
// into silent on-disk corruption.
func Assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

// AssertNotNil panics if the value is nil, including typed nils like
// (*Page)(nil).
func AssertNotNil(value interface{}, name string) {
	if value == nil {
		panic(fmt.Sprintf("assertion failed: %s must not be nil", name))
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		panic(fmt.Sprintf("assertion failed: %s must not be nil", name))
	}
}
