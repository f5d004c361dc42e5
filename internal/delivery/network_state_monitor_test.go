package delivery

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

func TestNetworkStateMonitorNotifiesOnUsabilityChange(t *testing.T) {
	pub := newFakePublisher("wss://a")
	var online atomic.Bool
	online.Store(true)

	clock := newFakeClock()
	nsm := NewNetworkStateMonitor(pub, online.Load, clock, testLogger{t}, 0)

	var changes []bool
	nsm.OnChange(func(state types.NetworkState) { changes = append(changes, state.Usable()) })

	state := nsm.Refresh()
	assert.True(t, state.Usable())
	assert.NotNil(t, state.LastOnlineAt)

	// unchanged usability does not notify
	nsm.Refresh()

	pub.setStatus(relay.StatusError)
	state = nsm.Refresh()
	assert.True(t, state.IsOnline)
	assert.False(t, state.HasRelayConnection)
	assert.NotNil(t, state.LastOnlineAt)

	pub.setStatus(relay.StatusOpen)
	online.Store(false)
	assert.False(t, nsm.Refresh().Usable())

	online.Store(true)
	clock.Advance(1)
	assert.True(t, nsm.Refresh().Usable())

	assert.Equal(t, []bool{true, false, true}, changes)
	assert.Equal(t, clock.Now(), *nsm.State().LastOnlineAt)
}
