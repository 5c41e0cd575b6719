package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeChunk(t *testing.T) {
	frame, err := Encode(EventChunk, Chunk{Data: "Hel"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"chat message chunk","data":{"data":"Hel"}}`, string(frame))
}

func TestDecodeChatMessageForms(t *testing.T) {
	env, err := Decode([]byte(`{"event":"chat message","data":{"token":"t","message":"hi"}}`))
	require.NoError(t, err)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, ChatMessage{Token: "t", Message: "hi"}, msg)

	env, err = Decode([]byte(`{"event":"chat message","data":"plain text"}`))
	require.NoError(t, err)
	msg = ChatMessage{}
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "plain text", msg.Message)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
}
