package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/protocol"
)

func TestNewRequest(t *testing.T) {
	f, err := protocol.NewRequest(protocol.OpWhitelistAdd, map[string]any{"player": "Steve"})
	require.NoError(t, err)

	assert.Equal(t, protocol.TypeRequest, f.Type)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "whitelist.add", f.Op)
	assert.Equal(t, "2.0", f.Version)
	assert.InDelta(t, time.Now().UnixMilli(), f.Timestamp, 2000)
}

func TestRequestIDsAreUnique(t *testing.T) {
	a, err := protocol.NewRequest(protocol.OpPlayerList, nil)
	require.NoError(t, err)
	b, err := protocol.NewRequest(protocol.OpPlayerList, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	orig, err := protocol.NewRequest(protocol.OpCommandExecute, protocol.CommandData{Command: "say hi"})
	require.NoError(t, err)

	wire, err := protocol.Encode(orig)
	require.NoError(t, err)

	got, err := protocol.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, orig.Type, got.Type)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Op, got.Op)

	var data protocol.CommandData
	require.NoError(t, got.DecodeData(&data))
	assert.Equal(t, "say hi", data.Command)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"type": "request",`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"type":"gossip","id":"1","version":"2.0","timestamp":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame type")
}

func TestDecode_MissingType(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"id":"1","version":"2.0","timestamp":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")
}

func TestDecode_MissingVersion(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"type":"event","op":"player.join","timestamp":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version is required")
}

func TestDecode_WrongVersion(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"type":"event","op":"player.join","version":"1.0","timestamp":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestValidate_RequestNeedsID(t *testing.T) {
	f := &protocol.Frame{Type: protocol.TypeRequest, Op: "player.list", Version: protocol.Version}
	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an id")
}

func TestValidate_EventNeedsOp(t *testing.T) {
	f := &protocol.Frame{Type: protocol.TypeEvent, ID: "x", Version: protocol.Version}
	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an op")
}

func TestValidate_ErrorNeedsPayload(t *testing.T) {
	f := &protocol.Frame{Type: protocol.TypeError, Version: protocol.Version}
	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error payload")
}

func TestNewError(t *testing.T) {
	f := protocol.NewError("req-1", "TIMEOUT", "no reply within 30s")
	require.NoError(t, f.Validate())
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "req-1", f.ID)
	assert.Equal(t, "TIMEOUT", f.Error.Code)
}

func TestNewResponse_CorrelatesID(t *testing.T) {
	req, err := protocol.NewRequest(protocol.OpPlayerList, nil)
	require.NoError(t, err)
	resp, err := protocol.NewResponse(req.ID, map[string]any{"players": []string{}})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Empty(t, resp.Op)
}

func TestDecodeData_Empty(t *testing.T) {
	f := &protocol.Frame{Type: protocol.TypeSystem, Op: protocol.OpPing, Version: protocol.Version}
	var v struct{}
	err := f.DecodeData(&v)
	require.Error(t, err)
}

func TestFrame_WireShape(t *testing.T) {
	// The wire field names are part of the protocol contract.
	f, err := protocol.NewSystem(protocol.OpHandshake, protocol.HandshakeData{
		CoreType: "java", CoreName: "paper", CoreVersion: "1.20.4",
		Capabilities: []string{"whitelist", "monitoring"},
	})
	require.NoError(t, err)

	wire, err := protocol.Encode(f)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(wire, &m))
	for _, k := range []string{"type", "id", "op", "timestamp", "version", "data"} {
		assert.Contains(t, m, k)
	}
	data := m["data"].(map[string]any)
	assert.Equal(t, "java", data["coreType"])
	assert.Equal(t, "paper", data["coreName"])
}
