package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCallRoundTrip(t *testing.T) {
	e, err := NewCall("Heartbeat", map[string]string{})
	require.NoError(t, err)

	wire, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, e.UniqueID, got.UniqueID)
	assert.Equal(t, Call, got.Type)
	assert.Equal(t, "Heartbeat", got.Action)
}

func TestDecodeCallResult(t *testing.T) {
	wire := []byte(`[3, "abc-123", {"status":"Accepted"}]`)
	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, CallResult, got.Type)
	assert.Equal(t, "abc-123", got.UniqueID)

	var payload struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "Accepted", payload.Status)
}

func TestDecodeCallError(t *testing.T) {
	wire := []byte(`[4, "abc-123", "NotImplemented", "nope", {}]`)
	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, CallError, got.Type)
	assert.Equal(t, "NotImplemented", got.ErrorCode)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := [][]byte{
		[]byte(`{}`),
		[]byte(`[2, "id"]`),
		[]byte(`["not-a-number", "id", "Action", {}]`),
		[]byte(`[9, "id", {}]`),
	}
	for _, c := range cases {
		_, err := Decode(c)
		assert.Error(t, err)
	}
}

func TestNotImplementedRoundTrips(t *testing.T) {
	e := NotImplemented("id-1", "FooBar")
	wire, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, CallError, got.Type)
	assert.Equal(t, "NotImplemented", got.ErrorCode)
}
