package types

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusNames(t *testing.T) {
	cases := map[Status]string{
		Success:           "SUCCESS",
		ErrGeneric:        "ERROR",
		ErrDisconnected:   "ERR_DISCONNECTED",
		ErrRNR:            "ERR_RNR",
		ErrDeviceDead:     "ERR_DEVICE_DEAD",
		ErrRMAHandle:      "ERR_RMA_HANDLE",
		ErrRMAOp:          "ERR_RMA_OP",
		ErrNotImplemented: "ERR_NOT_IMPLEMENTED",
		ErrNotFound:       "ERR_NOT_FOUND",
		EINVAL:            "EINVAL",
		ETIMEDOUT:         "ETIMEDOUT",
		ENOBUFS:           "ENOBUFS",
		EMSGSIZE:          "EMSGSIZE",
		ECONNREFUSED:      "ECONNREFUSED",
	}
	for status, name := range cases {
		assert.Equal(t, name, status.String())
	}

	assert.Equal(t, "UNKNOWN", Status(-42).String())
}

func TestStatusErrnoValues(t *testing.T) {
	// The errno-mapped codes keep their host values so callers can
	// compare against the usual constants.
	assert.Equal(t, Status(syscall.EINVAL), EINVAL)
	assert.Equal(t, Status(syscall.ETIMEDOUT), ETIMEDOUT)
}

func TestStatusAsError(t *testing.T) {
	var err error = ETIMEDOUT
	assert.Equal(t, "cci: ETIMEDOUT", err.Error())

	assert.Equal(t, Success, StatusOf(nil))
	assert.Equal(t, ETIMEDOUT, StatusOf(ETIMEDOUT))
	assert.Equal(t, ErrGeneric, StatusOf(assert.AnError))
}

func TestConnAttributeClasses(t *testing.T) {
	assert.True(t, ConnRO.Reliable())
	assert.True(t, ConnRO.Ordered())
	assert.True(t, ConnRU.Reliable())
	assert.False(t, ConnRU.Ordered())
	assert.False(t, ConnUU.Reliable())

	assert.Equal(t, "RO", ConnRO.String())
	assert.Equal(t, "UU_MC_TX", ConnUUMCTx.String())
}
