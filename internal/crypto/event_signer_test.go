package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

func newTestEvent(recipient string) *types.Event {
	return &types.Event{
		CreatedAt: 1700000000,
		Kind:      types.KindDirectMessage,
		Tags:      []types.Tag{{"p", recipient}},
		Content:   "ciphertext?iv=nonce",
	}
}

func TestSignEventProducesVerifiableEvent(t *testing.T) {
	keyPair, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewEventSigner(keyPair)

	ev := newTestEvent("bob")
	require.NoError(t, signer.SignEvent(ev))

	assert.Equal(t, keyPair.PublicKeyHex(), ev.PubKey)
	assert.Len(t, ev.ID, 64)
	assert.Len(t, ev.Sig, 128)
	assert.NoError(t, VerifyEvent(ev))
	assert.NoError(t, signer.VerifyEvent(ev))
}

func TestSignEventIsDeterministicForSameContent(t *testing.T) {
	keyPair, _ := GenerateKeypair()
	signer := NewEventSigner(keyPair)

	a := newTestEvent("bob")
	b := newTestEvent("bob")
	require.NoError(t, signer.SignEvent(a))
	require.NoError(t, signer.SignEvent(b))

	assert.Equal(t, a.ID, b.ID)
}

func TestSignEventStampsCreatedAt(t *testing.T) {
	keyPair, _ := GenerateKeypair()
	ev := newTestEvent("bob")
	ev.CreatedAt = 0

	require.NoError(t, NewEventSigner(keyPair).SignEvent(ev))
	assert.NotZero(t, ev.CreatedAt)
}

func TestVerifyEventDetectsTampering(t *testing.T) {
	keyPair, _ := GenerateKeypair()
	other, _ := GenerateKeypair()
	signer := NewEventSigner(keyPair)

	tests := []struct {
		name   string
		mutate func(ev *types.Event)
	}{
		{"content changed", func(ev *types.Event) { ev.Content = "other" }},
		{"recipient changed", func(ev *types.Event) { ev.Tags[0][1] = "mallory" }},
		{"author swapped", func(ev *types.Event) { ev.PubKey = other.PublicKeyHex() }},
		{"signature corrupted", func(ev *types.Event) { ev.Sig = ev.Sig[:len(ev.Sig)-2] + "00" }},
		{"signature not hex", func(ev *types.Event) { ev.Sig = "zz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvent("bob")
			require.NoError(t, signer.SignEvent(ev))
			tt.mutate(ev)
			assert.Error(t, VerifyEvent(ev))
		})
	}

	assert.Error(t, VerifyEvent(nil))
}
