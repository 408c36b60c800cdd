// Package transport defines the contract every CCI transport implements
// and the process-wide registry that maps transport names to
// implementations.
//
// A transport is a record of operations: the runtime never inspects
// transport internals, it only dispatches through this interface. The
// datagram/UDP transport lives in transport/sock; alternative carriers
// (kernel Ethernet, shared memory, ...) plug in by registering under their
// transport name.
package transport

import (
	"sort"
	"sync"

	"github.com/unifabric/cci/config"
	"github.com/unifabric/cci/logx"
	"github.com/unifabric/cci/types"
)

// Transport is the operation record implemented by each carrier.
type Transport interface {
	// Name returns the transport's registry name, which device profiles
	// name in their transport key. It need not equal the URI scheme.
	Name() string

	// Init configures the transport's devices from their profiles. Called
	// by the runtime's Init, and again after each Finalize, before any
	// endpoint exists. Profiles not addressed to this transport are
	// filtered out by the caller.
	Init(profiles []*config.DeviceProfile, logger logx.Logger) ([]*types.Device, error)

	// CreateEndpoint opens an endpoint on the device with a
	// transport-chosen service. The device must belong to this transport.
	CreateEndpoint(dev *types.Device) (types.Endpoint, error)

	// CreateEndpointAt opens an endpoint bound to a specific service: a
	// port for IP transports, a path for file-backed ones.
	CreateEndpointAt(dev *types.Device, service string) (types.Endpoint, error)

	// Finalize tears down the transport's devices and any endpoints still
	// open on them.
	Finalize() error
}

var (
	registryMu sync.Mutex
	registry   = map[string]Transport{}
)

// Register installs a transport under its name. Typically called from the
// transport package's init function. Registering the same name twice
// replaces the earlier entry; the last registration wins.
func Register(t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t.Name()] = t
}

// Lookup returns the transport registered under name, or nil.
func Lookup(name string) Transport {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}

// All returns the registered transports sorted by name.
func All() []Transport {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Transport, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
