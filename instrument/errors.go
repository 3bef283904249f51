package instrument

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/lcdlab/sponexp/comm"
)

// Kind classifies a device failure
type Kind int

const (
	// Other is any failure not covered by a more specific kind
	Other Kind = iota

	// NotConnected means the instrument handle is absent
	NotConnected

	// Timeout means the transport exceeded its deadline
	Timeout

	// MalformedResponse means the response failed a checksum or did not parse
	MalformedResponse

	// Aborted means the operator stopped the run
	Aborted
)

func (k Kind) String() string {
	switch k {
	case NotConnected:
		return "not connected"
	case Timeout:
		return "timeout"
	case MalformedResponse:
		return "malformed response"
	case Aborted:
		return "aborted"
	default:
		return "device error"
	}
}

var (
	// ErrNotConnected is matched by any error of kind NotConnected
	ErrNotConnected = errors.New("instrument not connected")

	// ErrTimeout is matched by any error of kind Timeout
	ErrTimeout = errors.New("instrument timed out")

	// ErrMalformedResponse is matched by any error of kind MalformedResponse
	ErrMalformedResponse = errors.New("malformed response from instrument")

	// ErrAborted is matched by any error of kind Aborted
	ErrAborted = errors.New("aborted by operator")
)

// DeviceError is the error type returned across the facade boundary
type DeviceError struct {
	// Op is the operation that failed, e.g. "linkam: read"
	Op string

	Kind Kind

	// Err is the underlying cause
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Kind == NotConnected
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrMalformedResponse:
		return e.Kind == MalformedResponse
	case ErrAborted:
		return e.Kind == Aborted
	}
	return false
}

// Malformed builds a MalformedResponse error for op
func Malformed(op string, err error) error {
	return &DeviceError{Op: op, Kind: MalformedResponse, Err: err}
}

// Classify wraps err in a *DeviceError for op, deducing its kind.
// nil in, nil out.  Errors that are already a *DeviceError pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Kind: KindOf(err), Err: err}
}

// KindOf deduces the kind of a transport or parse error
func KindOf(err error) Kind {
	var (
		de   *DeviceError
		ne   net.Error
		nume *strconv.NumError
	)
	switch {
	case err == nil:
		return Other
	case errors.As(err, &de):
		return de.Kind
	case errors.Is(err, ErrNotConnected), errors.Is(err, comm.ErrNotConnected):
		return NotConnected
	case errors.Is(err, ErrTimeout), errors.Is(err, comm.ErrTimeout),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, io.ErrNoProgress):
		return Timeout
	case errors.As(err, &ne) && ne.Timeout():
		return Timeout
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, comm.ErrTerminatorNotFound),
		errors.As(err, &nume):
		return MalformedResponse
	case errors.Is(err, ErrAborted):
		return Aborted
	}
	return Other
}
