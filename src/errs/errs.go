// Package errs defines the error taxonomy surfaced by the virtual
// memory core, in the same negative-errno idiom the teacher's defs
// package uses for Err_t (see vm/as.go: "return nil, -defs.EFAULT").
package errs

import "fmt"

// Err_t is a raw kernel error code. Zero means success. By convention,
// call sites that hand a code to a syscall-return path negate it
// (mirrors "-defs.ENOMEM" throughout the teacher's vm package).
type Err_t int

const (
	OK Err_t = 0

	ENOMEM    Err_t = 1 // frame allocator exhausted, or AddrSpace allocation failed
	EACCES    Err_t = 2 // mprotect widens protection on a non-Allocated grant
	EEXIST    Err_t = 3 // MAP_FIXED_NOREPLACE at a page that conflicts
	EOPNOTSUP Err_t = 4 // MAP_FIXED replacement of existing grants
	EINVAL    Err_t = 5 // unaligned address/length, or span beyond USER_END_OFFSET
	ESEGV     Err_t = 6 // fault outside any grant, or access incompatible with grant flags
)

func (e Err_t) String() string {
	switch e {
	case OK:
		return "ok"
	case ENOMEM:
		return "ENOMEM"
	case EACCES:
		return "EACCES"
	case EEXIST:
		return "EEXIST"
	case EOPNOTSUP:
		return "EOPNOTSUP"
	case EINVAL:
		return "EINVAL"
	case ESEGV:
		return "ESEGV"
	default:
		return fmt.Sprintf("Err_t(%d)", int(e))
	}
}

// KernelError wraps an Err_t as a plain Go error so that the package
// APIs in this module can be consumed with errors.Is/errors.As, which
// the teacher's code never needed (it has no error-interface
// consumers) but which this module's tests do.
type KernelError struct {
	Code Err_t
	Op   string
}

func (e *KernelError) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return e.Op + ": " + e.Code.String()
}

// New builds a *KernelError for the given code and operation name.
// Returns nil for OK so callers can write "return errs.New(op, code)"
// unconditionally in error-return positions.
func New(op string, code Err_t) error {
	if code == OK {
		return nil
	}
	return &KernelError{Code: code, Op: op}
}

// Is reports whether err is a *KernelError carrying code.
func Is(err error, code Err_t) bool {
	ke, ok := err.(*KernelError)
	return ok && ke.Code == code
}
