package snapshot

import (
	"errors"
	"fmt"
)

// Decode failures. Match with errors.Is.
var (
	ErrChecksumMismatch   = errors.New("snapshot data does not match its checksum")
	ErrInvalidMagic       = errors.New("not a solver snapshot")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrHeaderTooLarge     = errors.New("snapshot header too large")
	ErrTruncated          = errors.New("snapshot is truncated")
)

// Limits applied before trusting a header.
const (
	MaxHeaderSize  = 100 << 20
	MaxTensorCount = 100_000
)

// ValidationError describes a malformed tensor table.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Tensor  string
	Tensor2 string
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}
