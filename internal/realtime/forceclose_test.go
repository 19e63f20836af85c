package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceClosePayloadRoundTrip(t *testing.T) {
	body, err := encodeForceClose(forceClosePayload{SessionID: "s1", Reason: "admin", Origin: "a", At: 1})
	require.NoError(t, err)
	p, err := decodeForceClose(string(body))
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "admin", p.Reason)
	assert.Equal(t, "a", p.Origin)
}

func TestForceClosePayload_RejectsEmptySession(t *testing.T) {
	_, err := encodeForceClose(forceClosePayload{})
	assert.Error(t, err)
	_, err = decodeForceClose(`{"origin":"a"}`)
	assert.Error(t, err)
	_, err = decodeForceClose(`not json`)
	assert.Error(t, err)
}

func TestNewBridge_UniqueOrigin(t *testing.T) {
	a := NewBridge(nil, nil)
	b := NewBridge(nil, nil)
	assert.NotEmpty(t, a.Origin())
	assert.NotEqual(t, a.Origin(), b.Origin())
}
