package pose

import "fmt"

// ErrorKind classifies registration failures
type ErrorKind int

const (
	// ConfigurationError covers invalid parameters and insufficient data
	ConfigurationError ErrorKind = iota + 1
	// SingularSystemError is raised when the normal equations cannot be solved
	SingularSystemError
	// DivergenceError is raised when the mean square error reaches the in-tolerance
	DivergenceError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration error"
	case SingularSystemError:
		return "singular system"
	case DivergenceError:
		return "divergence"
	default:
		return "unknown error"
	}
}

// RegistrationError is the error returned by the registration engine.
// Compare against the sentinel values with errors.Is.
type RegistrationError struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "PerformRegistration"
	Msg  string
	Err  error // underlying cause, if any
}

func (e *RegistrationError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind
func (e *RegistrationError) Is(target error) bool {
	t, ok := target.(*RegistrationError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinel errors for errors.Is
var (
	ErrConfiguration  = &RegistrationError{Kind: ConfigurationError}
	ErrSingularSystem = &RegistrationError{Kind: SingularSystemError}
	ErrDivergence     = &RegistrationError{Kind: DivergenceError}
)

func newConfigError(op, msg string) *RegistrationError {
	return &RegistrationError{Kind: ConfigurationError, Op: op, Msg: msg}
}

func newSingularError(op string, err error) *RegistrationError {
	return &RegistrationError{Kind: SingularSystemError, Op: op, Msg: "normal matrix is not invertible", Err: err}
}

func newDivergenceError(op string, mse, inTolerance float64) *RegistrationError {
	return &RegistrationError{
		Kind: DivergenceError,
		Op:   op,
		Msg:  fmt.Sprintf("mean square error %g reached in-tolerance %g", mse, inTolerance),
	}
}
