package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

func TestDecodeFrame(t *testing.T) {
	const relayURL = "wss://relay.example"

	t.Run("event", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["EVENT","sub1",{"id":"abc","pubkey":"pk","created_at":10,"kind":4,"tags":[["p","me"]],"content":"c","sig":"s"}]`))
		require.NoError(t, err)
		ev, ok := frame.(*EventFrame)
		require.True(t, ok)
		assert.Equal(t, "sub1", ev.SubscriptionID)
		assert.Equal(t, "abc", ev.Event.ID)
		assert.Equal(t, relayURL, ev.RelayURL())
		assert.True(t, ev.Event.IsAddressedTo("me"))
	})

	t.Run("ok accepted", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["OK","abc",true,""]`))
		require.NoError(t, err)
		ack := frame.(*Acknowledgement)
		assert.Equal(t, "abc", ack.EventID)
		assert.True(t, ack.Accepted)
	})

	t.Run("ok rejected", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["OK","abc",false,"blocked: spam"]`))
		require.NoError(t, err)
		ack := frame.(*Acknowledgement)
		assert.False(t, ack.Accepted)
		assert.Equal(t, "blocked: spam", ack.Message)
	})

	t.Run("eose", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["EOSE","sync-1"]`))
		require.NoError(t, err)
		assert.Equal(t, "sync-1", frame.(*EndOfStream).SubscriptionID)
	})

	t.Run("notice", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["NOTICE","slow down"]`))
		require.NoError(t, err)
		assert.Equal(t, "slow down", frame.(*Notice).Message)
	})

	t.Run("closed becomes notice", func(t *testing.T) {
		frame, err := DecodeFrame(relayURL, []byte(`["CLOSED","sub1","error: shutting down"]`))
		require.NoError(t, err)
		assert.Contains(t, frame.(*Notice).Message, "sub1")
	})

	t.Run("unknown label", func(t *testing.T) {
		_, err := DecodeFrame(relayURL, []byte(`["AUTH","challenge"]`))
		assert.True(t, errors.Is(err, ErrUnknownFrame))
	})

	for name, raw := range map[string]string{
		"not json":        `nope`,
		"too short":       `["EOSE"]`,
		"label not text":  `[1,2]`,
		"event missing":   `["EVENT","sub1"]`,
		"verdict invalid": `["OK","abc","yes"]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(relayURL, []byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeFrames(t *testing.T) {
	since := int64(100)
	req, err := EncodeReq("sub1", []types.Filter{{
		Kinds: []int{types.KindDirectMessage},
		Tags:  map[string][]string{"p": {"me"}},
		Since: &since,
	}})
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(req, &parts))
	require.Len(t, parts, 3)
	assert.JSONEq(t, `"REQ"`, string(parts[0]))
	assert.JSONEq(t, `"sub1"`, string(parts[1]))
	assert.JSONEq(t, `{"kinds":[4],"#p":["me"],"since":100}`, string(parts[2]))

	closeFrame, err := EncodeClose("sub1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub1"]`, string(closeFrame))

	ev := &types.Event{ID: "abc", Kind: types.KindDirectMessage}
	eventFrame, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, string(eventFrame), `["EVENT",{"id":"abc"`)
}
