package tarstream

import (
	"github.com/containerd/errdefs"
	"github.com/moby/tarstream/pkg/tarheader"
)

// Warning codes.
const (
	CodeEntryInvalid = "TAR_ENTRY_INVALID"
	CodeBadArchive   = "TAR_BAD_ARCHIVE"
	CodeMetaTooLarge = "TAR_META_TOO_LARGE"
	CodeAbort        = "TAR_ABORT"
)

// Warning describes an anomaly found while parsing. In strict mode every
// warning is delivered as an ErrorEvent instead.
type Warning struct {
	// Code identifies the condition. It is the code carried by Err when Err
	// has one, and TarCode otherwise.
	Code string
	// TarCode is the code the warning was raised with.
	TarCode string
	Message string

	// File is the file name hint the parser was configured with.
	File   string
	Header *tarheader.Header
	Entry  *Entry

	// Err is set when the warning was raised with an error value.
	Err error

	unrecoverable bool
}

func (w *Warning) Error() string {
	return w.TarCode + ": " + w.Message
}

// Unwrap exposes the errdefs class of the warning and the underlying error.
func (w *Warning) Unwrap() []error {
	errs := []error{classOf(w.TarCode)}
	if w.Err != nil {
		errs = append(errs, w.Err)
	}
	return errs
}

func classOf(code string) error {
	switch code {
	case CodeEntryInvalid:
		return errdefs.ErrInvalidArgument
	case CodeBadArchive:
		return errdefs.ErrDataLoss
	case CodeMetaTooLarge:
		return errdefs.ErrResourceExhausted
	case CodeAbort:
		return errdefs.ErrAborted
	}
	return errdefs.ErrUnknown
}

type coder interface {
	Code() string
}

func newWarning(code, message string, err error) *Warning {
	w := &Warning{Code: code, TarCode: code, Message: message, Err: err}
	if c, ok := err.(coder); ok && c.Code() != "" {
		w.Code = c.Code()
	}
	return w
}
