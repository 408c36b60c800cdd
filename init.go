package cci

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/unifabric/cci/config"
	"github.com/unifabric/cci/logx"
	"github.com/unifabric/cci/transport"
	"github.com/unifabric/cci/types"

	// The datagram/UDP transport registers itself at import time.
	_ "github.com/unifabric/cci/transport/sock"
)

// ABIVersion is the interface version accepted by Init.
const ABIVersion uint32 = 1

// Caps is the capability bitmask reported by Init.
type Caps uint32

// CapThreadSafety is set when the runtime is internally synchronized and
// application threads may call into the same endpoint concurrently.
const CapThreadSafety Caps = 1 << 0

// global is the process-wide runtime state, once-initialized and guarded
// only during Init and Finalize; steady-state access is read-only.
var global struct {
	mu         sync.Mutex
	refs       int
	abiVersion uint32
	flags      uint32
	instance   uuid.UUID
	logger     logx.Logger
	devices    []*types.Device
	byDevice   map[*types.Device]transport.Transport
}

// Init initializes the runtime: the configuration file named by CCI_CONFIG
// is loaded (when set) and every registered transport configures its
// devices. Init is idempotent when called again with identical arguments;
// calls must be balanced with Finalize.
func Init(abiVersion uint32, flags uint32) (Caps, error) {
	if abiVersion != ABIVersion {
		return 0, types.EINVAL
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.refs > 0 {
		if abiVersion != global.abiVersion || flags != global.flags {
			return 0, types.EINVAL
		}
		global.refs++
		return CapThreadSafety, nil
	}

	profiles, err := config.LoadFromEnv()
	if err != nil {
		return 0, types.ErrNotFound
	}

	logger := logx.NewDefaultLogger()
	byDevice := map[*types.Device]transport.Transport{}
	var devices []*types.Device

	for _, t := range transport.All() {
		var mine []*config.DeviceProfile
		for _, p := range profiles {
			if p.Transport == t.Name() {
				mine = append(mine, p)
			}
		}
		devs, err := t.Init(mine, logger)
		if err != nil {
			return 0, err
		}
		for _, d := range devs {
			byDevice[d] = t
			devices = append(devices, d)
		}
	}

	if len(devices) == 0 {
		return 0, types.ENODEV
	}

	// Default device first, the rest by descending priority.
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Default != devices[j].Default {
			return devices[i].Default
		}
		return devices[i].Priority > devices[j].Priority
	})

	global.refs = 1
	global.abiVersion = abiVersion
	global.flags = flags
	global.instance = uuid.New()
	global.logger = logger
	global.devices = devices
	global.byDevice = byDevice

	logger.Info("cci %s initialized (instance %s, %d devices)", Version, global.instance, len(devices))
	return CapThreadSafety, nil
}

// Finalize tears the runtime down on the last balanced call.
func Finalize() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.refs == 0 {
		return types.ErrGeneric
	}
	global.refs--
	if global.refs > 0 {
		return nil
	}

	for _, t := range transport.All() {
		t.Finalize()
	}
	global.devices = nil
	global.byDevice = nil
	return nil
}

// GetDevices returns the configured devices in priority order. The slice
// is owned by the runtime and must be treated as read-only.
func GetDevices() ([]*types.Device, error) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.refs == 0 {
		return nil, types.ENODEV
	}
	return global.devices, nil
}

// CreateEndpoint opens an endpoint on the given device, or on the default
// device when dev is nil. The endpoint's OS handle is available through
// its OSHandle method.
func CreateEndpoint(dev *types.Device) (types.Endpoint, error) {
	t, dev, err := route(dev)
	if err != nil {
		return nil, err
	}
	return t.CreateEndpoint(dev)
}

// CreateEndpointAt opens an endpoint bound to a transport-specific
// service: a port for IP transports.
func CreateEndpointAt(dev *types.Device, service string) (types.Endpoint, error) {
	t, dev, err := route(dev)
	if err != nil {
		return nil, err
	}
	return t.CreateEndpointAt(dev, service)
}

func route(dev *types.Device) (transport.Transport, *types.Device, error) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.refs == 0 {
		return nil, nil, types.ENODEV
	}
	if dev == nil {
		if len(global.devices) == 0 {
			return nil, nil, types.ENODEV
		}
		dev = global.devices[0]
	}
	t, ok := global.byDevice[dev]
	if !ok {
		return nil, nil, types.ENODEV
	}
	return t, dev, nil
}
