package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReserved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event string
		want  bool
	}{
		{"#handshake", true},
		{"#subscribe", true},
		{"chat.message", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReserved(tt.event), tt.event)
	}
}

func TestDecodeRequest_Uncorrelated(t *testing.T) {
	t.Parallel()

	req, err := DecodeRequest([]byte(`{"event":"chat.message","data":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "chat.message", req.Event)
	assert.Nil(t, req.CID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(req.Data, &payload))
	assert.Equal(t, "hi", payload["text"])
}

func TestDecodeRequest_Correlated(t *testing.T) {
	t.Parallel()

	req, err := DecodeRequest([]byte(`{"event":"#handshake","data":{},"cid":1}`))
	require.NoError(t, err)
	require.NotNil(t, req.CID)
	assert.Equal(t, int64(1), *req.CID)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeRequest_TooLarge(t *testing.T) {
	t.Parallel()

	big := make([]byte, maxFrameSize+1)
	_, err := DecodeRequest(big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeResponse_Success(t *testing.T) {
	t.Parallel()

	data, _ := json.Marshal(map[string]any{"id": "abc"})
	out, err := EncodeResponse(Response{RID: 7, Data: data})
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, int64(7), decoded.RID)
	assert.Nil(t, decoded.Error)
}

func TestEncodeResponse_Error(t *testing.T) {
	t.Parallel()

	out, err := EncodeResponse(Response{
		RID:   9,
		Error: &WireError{Name: "ClientPublishDisabled", Message: "publish disabled"},
	})
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "ClientPublishDisabled", decoded.Error.Name)
}

func TestEncodeEvent(t *testing.T) {
	t.Parallel()

	out, err := EncodeEvent("#subscribe", json.RawMessage(`"ch"`))
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "#subscribe", decoded.Event)
}
