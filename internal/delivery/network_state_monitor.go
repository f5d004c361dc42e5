package delivery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// InterfaceProbe reports whether the host has a usable network interface
type InterfaceProbe func() bool

// HasActiveInterface reports whether any non-loopback interface is up and has an address
func HasActiveInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// NetworkStateMonitor tracks NetworkState from interface probes and relay connection changes
type NetworkStateMonitor struct {
	publisher RelayPublisher
	probe     InterfaceProbe
	clock     Clock
	logger    Logger
	interval  time.Duration

	state      types.NetworkState
	stateMutex sync.RWMutex

	listenersMu sync.RWMutex
	listeners   []func(types.NetworkState)

	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	running      bool
	runningMutex sync.Mutex
	wg           sync.WaitGroup
}

// NewNetworkStateMonitor creates a monitor; a nil probe treats the host as always online
func NewNetworkStateMonitor(publisher RelayPublisher, probe InterfaceProbe, clock Clock, logger Logger, interval time.Duration) *NetworkStateMonitor {
	if probe == nil {
		probe = func() bool { return true }
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkStateMonitor{
		publisher: publisher,
		probe:     probe,
		clock:     clock,
		logger:    logger,
		interval:  interval,
	}
}

// OnChange registers a listener called whenever usability flips
func (nsm *NetworkStateMonitor) OnChange(listener func(types.NetworkState)) {
	nsm.listenersMu.Lock()
	defer nsm.listenersMu.Unlock()
	nsm.listeners = append(nsm.listeners, listener)
}

// Start captures the initial state and begins periodic checks
func (nsm *NetworkStateMonitor) Start(ctx context.Context) error {
	nsm.runningMutex.Lock()
	defer nsm.runningMutex.Unlock()

	if nsm.running {
		return fmt.Errorf("network state monitor already running")
	}

	nsm.ctx, nsm.cancel = context.WithCancel(ctx)

	if notifier, ok := nsm.publisher.(ConnectionNotifier); ok {
		nsm.unsubscribe = notifier.OnConnectionChange(func(relay.Connection) {
			nsm.Refresh()
		})
	}

	nsm.Refresh()
	nsm.running = true

	nsm.wg.Add(1)
	go nsm.monitorLoop()

	nsm.logger.Info(fmt.Sprintf("Network state monitor started (interval %v)", nsm.interval), "network-state")
	return nil
}

// Stop ends periodic checks
func (nsm *NetworkStateMonitor) Stop() {
	nsm.runningMutex.Lock()
	defer nsm.runningMutex.Unlock()

	if !nsm.running {
		return
	}

	if nsm.unsubscribe != nil {
		nsm.unsubscribe()
		nsm.unsubscribe = nil
	}
	nsm.cancel()
	nsm.wg.Wait()
	nsm.running = false

	nsm.logger.Info("Network state monitor stopped", "network-state")
}

func (nsm *NetworkStateMonitor) monitorLoop() {
	defer nsm.wg.Done()

	ticker := time.NewTicker(nsm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-nsm.ctx.Done():
			return
		case <-ticker.C:
			nsm.Refresh()
		}
	}
}

// State returns the current network state
func (nsm *NetworkStateMonitor) State() types.NetworkState {
	nsm.stateMutex.RLock()
	defer nsm.stateMutex.RUnlock()
	return nsm.state
}

// Refresh re-evaluates connectivity now and notifies listeners if usability changed
func (nsm *NetworkStateMonitor) Refresh() types.NetworkState {
	online := nsm.probe()
	hasRelay := false
	for _, c := range nsm.publisher.Connections() {
		if c.Status == relay.StatusOpen {
			hasRelay = true
			break
		}
	}

	nsm.stateMutex.Lock()
	previous := nsm.state
	next := types.NetworkState{
		IsOnline:           online,
		HasRelayConnection: hasRelay,
		LastOnlineAt:       previous.LastOnlineAt,
	}
	if next.Usable() {
		now := nsm.clock.Now()
		next.LastOnlineAt = &now
	}
	nsm.state = next
	nsm.stateMutex.Unlock()

	if previous.Usable() != next.Usable() {
		nsm.logger.Info(fmt.Sprintf("Network state changed: online=%v relays=%v", next.IsOnline, next.HasRelayConnection), "network-state")

		nsm.listenersMu.RLock()
		listeners := append([]func(types.NetworkState){}, nsm.listeners...)
		nsm.listenersMu.RUnlock()

		for _, l := range listeners {
			l(next)
		}
	}
	return next
}
