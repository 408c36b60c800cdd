package cci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFinalizeLifecycle(t *testing.T) {
	caps, err := Init(ABIVersion, 0)
	require.NoError(t, err)
	assert.NotZero(t, caps&CapThreadSafety)

	// Idempotent with identical arguments, rejected otherwise.
	_, err = Init(ABIVersion, 0)
	require.NoError(t, err)
	_, err = Init(ABIVersion, 1)
	assert.Equal(t, EINVAL, err)

	// Balanced teardown: the runtime survives the inner Finalize.
	require.NoError(t, Finalize())
	_, err = GetDevices()
	require.NoError(t, err)

	require.NoError(t, Finalize())
	_, err = GetDevices()
	assert.Error(t, err)

	assert.Error(t, Finalize(), "unbalanced finalize fails")
}

func TestInitRejectsBadABI(t *testing.T) {
	_, err := Init(ABIVersion+7, 0)
	assert.Equal(t, EINVAL, err)
}

func TestDevicesAndEndpoints(t *testing.T) {
	_, err := Init(ABIVersion, 0)
	require.NoError(t, err)
	defer Finalize()

	devs, err := GetDevices()
	require.NoError(t, err)
	require.NotEmpty(t, devs, "the sock transport synthesizes a default device")
	assert.True(t, devs[0].Up)
	assert.NotZero(t, devs[0].MaxSendSize)

	// nil selects the default device.
	ep, err := CreateEndpoint(nil)
	require.NoError(t, err)
	defer ep.Close()

	assert.NotEmpty(t, ep.URI())

	_, err = ep.GetEvent()
	assert.Equal(t, EAGAIN, err)
}

func TestEndToEndOverDefaultDevice(t *testing.T) {
	_, err := Init(ABIVersion, 0)
	require.NoError(t, err)
	defer Finalize()

	server, err := CreateEndpoint(nil)
	require.NoError(t, err)
	defer server.Close()
	client, err := CreateEndpoint(nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(server.URI(), nil, ConnRO, nil, 0))

	// Accept on the server.
	deadline := time.Now().Add(3 * time.Second)
	var sconn Connection
	for sconn == nil && time.Now().Before(deadline) {
		ev, err := server.GetEvent()
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if req, ok := ev.(*ConnectRequestEvent); ok {
			sconn, err = req.Accept(nil)
			require.NoError(t, err)
		}
		server.ReturnEvent(ev)
	}
	require.NotNil(t, sconn, "no connection request surfaced")

	// Connect completion on the client.
	var cconn Connection
	deadline = time.Now().Add(3 * time.Second)
	for cconn == nil && time.Now().Before(deadline) {
		ev, err := client.GetEvent()
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if done, ok := ev.(*ConnectEvent); ok {
			require.Equal(t, Success, done.Status)
			cconn = done.Connection
		}
		client.ReturnEvent(ev)
	}
	require.NotNil(t, cconn, "connect never completed")

	require.NoError(t, cconn.Send([]byte("over-the-top"), nil, FlagSilent))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := server.GetEvent()
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if recv, ok := ev.(*RecvEvent); ok {
			assert.Equal(t, []byte("over-the-top"), recv.Data)
			server.ReturnEvent(ev)
			return
		}
		server.ReturnEvent(ev)
	}
	t.Fatal("payload never arrived")
}

func TestStrerror(t *testing.T) {
	assert.Equal(t, "SUCCESS", Strerror(Success))
	assert.Equal(t, "ETIMEDOUT", Strerror(ETIMEDOUT))
}
