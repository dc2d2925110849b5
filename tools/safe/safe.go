package safe

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Used by constructors for required collaborators.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts f on a new goroutine that recovers from panic and logs it,
// so a faulty handler never takes the process down.
func Go(log *zap.Logger, name string, f func()) {
	go Run(log, name, f)
}

// Run calls f on the current goroutine with the same recovery as Go.
// It reports whether f returned normally.
func Run(log *zap.Logger, name string, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if log != nil {
				log.Error("panic recovered",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}
	}()
	f()
	return true
}
