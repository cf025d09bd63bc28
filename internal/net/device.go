package net

import (
	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/tensor"
)

// ToDevice moves every blob and parameter to mode, opening the provider
// through the net's controller. If any transfer fails the moved blobs are
// brought back and the net stays on its previous device.
func (n *Net) ToDevice(mode device.Mode) error {
	if err := n.enter("to device", Forwarding); err != nil {
		return err
	}
	defer n.leave(Forwarding)

	if mode == n.mode {
		return nil
	}
	provider, err := n.config.Controller.Provider(mode)
	if err != nil {
		return err
	}

	all := append(n.blobList(), n.params...)
	for i, b := range all {
		if err := b.ToDevice(mode, provider); err != nil {
			n.logger.Error(err, "transfer failed, rolling back", "blob", b.Name(), "to", mode.String())
			rollback(all[:i], n.mode, n.provider)
			return err
		}
	}
	if err := n.synchronizeOn(provider, mode); err != nil {
		rollback(all, n.mode, n.provider)
		return err
	}
	n.logger.Info("net moved", "from", n.mode.String(), "to", mode.String())
	n.mode = mode
	n.provider = provider
	return nil
}

func rollback(blobs []*tensor.Blob, mode device.Mode, provider device.Provider) {
	for _, b := range blobs {
		_ = b.ToDevice(mode, provider)
	}
}

func (n *Net) synchronizeOn(p device.Provider, mode device.Mode) error {
	saved, savedMode := n.provider, n.mode
	n.provider, n.mode = p, mode
	err := n.synchronize()
	n.provider, n.mode = saved, savedMode
	return err
}
