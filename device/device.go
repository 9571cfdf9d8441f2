// Package device keeps transport connections to devices and routes their messages.
package device

import (
	"sort"

	"github.com/juju/errors"
)

var (
	ErrTransportOpenFailed = errors.New("transport open failed")
	ErrTransportIO         = errors.New("transport I/O")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrClosed              = errors.New("device manager closed")
)

// Registry lists devices to connect: device id -> transport identifier.
type Registry interface {
	Devices() map[string]string
}

type StaticRegistry map[string]string

func (r StaticRegistry) Devices() map[string]string { return r }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
