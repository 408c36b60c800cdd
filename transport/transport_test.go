package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unifabric/cci/config"
	"github.com/unifabric/cci/logx"
	"github.com/unifabric/cci/types"
)

type fakeTransport struct {
	name string
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Init([]*config.DeviceProfile, logx.Logger) ([]*types.Device, error) {
	return nil, nil
}

func (f *fakeTransport) CreateEndpoint(*types.Device) (types.Endpoint, error) {
	return nil, types.ErrNotImplemented
}

func (f *fakeTransport) CreateEndpointAt(*types.Device, string) (types.Endpoint, error) {
	return nil, types.ErrNotImplemented
}

func (f *fakeTransport) Finalize() error { return nil }

func TestRegistry(t *testing.T) {
	a := &fakeTransport{name: "testa"}
	b := &fakeTransport{name: "testb"}

	Register(a)
	Register(b)

	assert.Same(t, a, Lookup("testa"))
	assert.Same(t, b, Lookup("testb"))
	assert.Nil(t, Lookup("absent"))

	// Last registration under a name wins.
	a2 := &fakeTransport{name: "testa"}
	Register(a2)
	assert.Same(t, a2, Lookup("testa"))
}

func TestAllSorted(t *testing.T) {
	Register(&fakeTransport{name: "zz-test"})
	Register(&fakeTransport{name: "aa-test"})

	all := All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Name(), all[i].Name(), "registry listing must be sorted")
	}
}
