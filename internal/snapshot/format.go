// Package snapshot saves and restores training state: the parameter values
// of a net plus the history of its solver.
//
//	Format structure:
//	  [64 bytes: fixed header]
//	    0x00 magic "CAFE"
//	    0x04 version (uint32 LE)
//	    0x08 flags (uint32 LE)
//	    0x0C reserved
//	    0x10 header size (uint64 LE)
//	    0x18 data size (uint64 LE)
//	    0x20 SHA-256 of the data section (32 bytes)
//	  [Header: JSON]
//	  [Data: float32 LE values, 64-byte aligned]
//
// Example usage:
//
//	st, err := snapshot.Capture(n, s)
//	if err != nil {
//	    return err
//	}
//	if err := snapshot.WriteFile("lenet_iter_1000.solverstate", st); err != nil {
//	    return err
//	}
package snapshot

import (
	"fmt"
	"time"

	"github.com/born-ml/caffe/internal/solver"
)

// Format constants.
const (
	MagicBytes      = "CAFE"
	FormatVersion   = 1
	HeaderAlignment = 64
	FixedHeaderSize = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20
)

// Flags.
const (
	FlagHasWeights uint32 = 1 << 0
	FlagHasHistory uint32 = 1 << 1
	FlagHasConfig  uint32 = 1 << 2
)

// Tensor kinds.
const (
	KindWeight  = "weight"
	KindHistory = "history"
)

// Header is the JSON header of a snapshot file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Version       string            `json:"version"` // Library version that wrote the file
	Net           string            `json:"net"`
	Iter          int               `json:"iter"`
	SolverType    string            `json:"solver_type,omitempty"`
	SolverConfig  *solver.Config    `json:"solver_config,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TensorMeta locates one array in the data section.
type TensorMeta struct {
	Kind   string `json:"kind"`            // KindWeight or KindHistory
	Layer  string `json:"layer,omitempty"` // Owning layer, weights only
	Index  int    `json:"index"`           // Position within the layer or the history
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Bytes
}

// Name identifies the tensor in errors.
func (m *TensorMeta) Name() string {
	if m.Kind == KindWeight {
		return fmt.Sprintf("%s#%d", m.Layer, m.Index)
	}
	return fmt.Sprintf("%s#%d", m.Kind, m.Index)
}

func padding(pos int64) int64 {
	return (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment
}
