package sanitizer

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyText is returned by Pipeline.Process for blank input.
	ErrEmptyText = errors.New("text is empty")
	// ErrScanTimeout marks a scanner that exceeded its time budget.
	ErrScanTimeout = errors.New("scan timed out")
	// ErrNoVault is returned by scanners that need an exchange vault when
	// none was provided.
	ErrNoVault = errors.New("no vault attached to input")
)

// ScanFailure reports that a scanner could not produce a judgement. It is
// distinct from a judgement that the text is unsafe.
type ScanFailure struct {
	Scanner string
	Reason  string
	Err     error
}

func (f *ScanFailure) Error() string {
	msg := f.Reason
	switch {
	case msg == "" && f.Err != nil:
		msg = f.Err.Error()
	case f.Err != nil:
		msg += ": " + f.Err.Error()
	case msg == "":
		msg = "scan failed"
	}
	return fmt.Sprintf("scanner %s: %s", f.Scanner, msg)
}

func (f *ScanFailure) Unwrap() error { return f.Err }

// Failure wraps err as a ScanFailure for scanner.
func Failure(scanner, reason string, err error) error {
	return &ScanFailure{Scanner: scanner, Reason: reason, Err: err}
}
