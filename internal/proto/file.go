package proto

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// IsText reports whether path names a YAML file.
func IsText(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ReadFile loads a net from path. YAML is used for .yaml and .yml files,
// the binary format otherwise.
func ReadFile(path string) (*NetParameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read net")
	}
	var np *NetParameter
	if IsText(path) {
		np, err = UnmarshalText(data)
	} else {
		np, err = Unmarshal(data)
	}
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return np, nil
}

// WriteFile saves np to path in the format implied by its extension.
func WriteFile(path string, np *NetParameter) error {
	var (
		data []byte
		err  error
	)
	if IsText(path) {
		data, err = MarshalText(np)
	} else {
		data, err = Marshal(np)
	}
	if err != nil {
		return errors.Wrap(err, path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write net")
	}
	return nil
}
