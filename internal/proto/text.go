package proto

import (
	"bytes"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MarshalText encodes np as YAML.
func MarshalText(np *NetParameter) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(np); err != nil {
		return nil, errors.Wrap(err, "failed to encode net")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode net")
	}
	return buf.Bytes(), nil
}

// UnmarshalText decodes a YAML net. Unknown keys are rejected.
func UnmarshalText(data []byte) (*NetParameter, error) {
	np := &NetParameter{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(np); err != nil {
		return nil, errors.Wrap(err, "failed to parse net")
	}
	for i := range np.Layer {
		for j := range np.Layer[i].Param {
			if _, err := np.Layer[i].Param[j].kind(); err != nil {
				return nil, errors.Wrapf(err, "layer %q", np.Layer[i].Name)
			}
		}
	}
	return np, nil
}
