package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrPanic converts a recovered value into an internal CodeError.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return pkgerrors.WithStack(ErrInternal.WithDetail(fmt.Sprintf("panic: %v", r)))
}
