package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

// ConnectionStatus is the state of one relay connection
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOpen       ConnectionStatus = "open"
	StatusError      ConnectionStatus = "error"
	StatusClosed     ConnectionStatus = "closed"
)

// Connection is a snapshot of a relay connection
type Connection struct {
	URL         string           `json:"url"`
	Status      ConnectionStatus `json:"status"`
	Read        bool             `json:"read"`
	Write       bool             `json:"write"`
	LastError   string           `json:"last_error,omitempty"`
	ConnectedAt *time.Time       `json:"connected_at,omitempty"`
}

// Logger is the logging surface used by the pool
type Logger interface {
	Debug(message string, category string)
	Info(message string, category string)
	Warn(message string, category string)
	Error(message string, category string)
}

// Options tunes connection handling
type Options struct {
	PublishTimeout    time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	DialTimeout       time.Duration
}

// OptionsFromConfig reads pool options from the node config
func OptionsFromConfig(cm *utils.ConfigManager) Options {
	return Options{
		PublishTimeout:    cm.GetConfigDuration("publish_timeout", 10*time.Second),
		ReconnectDelay:    cm.GetConfigDuration("relay_reconnect_delay", 5*time.Second),
		MaxReconnectDelay: cm.GetConfigDuration("relay_max_reconnect_delay", 2*time.Minute),
		DialTimeout:       cm.GetConfigDuration("relay_dial_timeout", 10*time.Second),
	}
}

var ErrNoOpenRelays = errors.New("no open relay connections")

// Pool keeps websocket connections to a set of relays and multiplexes their frames
type Pool struct {
	opts   Options
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns []*relayConn

	subsMu sync.RWMutex
	subs   map[string][]types.Filter

	handlersMu     sync.RWMutex
	nextHandlerID  int
	frameHandlers  map[int]func(Frame)
	statusHandlers map[int]func(Connection)

	ackMu      sync.Mutex
	ackWaiters map[string][]chan *Acknowledgement
}

// NewPool creates a pool for the given relays; nothing is dialed until Start
func NewPool(relays []utils.RelayConfig, opts Options, logger Logger) *Pool {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	p := &Pool{
		opts:           opts,
		logger:         logger,
		subs:           make(map[string][]types.Filter),
		frameHandlers:  make(map[int]func(Frame)),
		statusHandlers: make(map[int]func(Connection)),
		ackWaiters:     make(map[string][]chan *Acknowledgement),
	}
	for _, r := range relays {
		p.conns = append(p.conns, newRelayConn(p, r))
	}
	return p
}

// Start dials every relay and keeps reconnecting until Close
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, c := range p.conns {
		p.wg.Add(1)
		go func(c *relayConn) {
			defer p.wg.Done()
			c.run(p.ctx)
		}(c)
	}
	p.logger.Info(fmt.Sprintf("Relay pool started with %d relays", len(p.conns)), "relay")
}

// Close disconnects from every relay
func (p *Pool) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	for _, c := range p.conns {
		c.close()
	}
	p.wg.Wait()
	p.logger.Info("Relay pool stopped", "relay")
}

// Connections returns a snapshot of every relay connection, sorted by URL
func (p *Pool) Connections() []Connection {
	out := make([]Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (p *Pool) openConns(write bool) []*relayConn {
	var open []*relayConn
	for _, c := range p.conns {
		if c.isOpen() && ((write && c.cfg.Write) || (!write && c.cfg.Read)) {
			open = append(open, c)
		}
	}
	return open
}

// PublishToAll sends the event to every open write relay and waits for their
// acknowledgements until ctx ends or the publish timeout elapses.
// Relays that stay silent are reported as failed with a timeout error.
func (p *Pool) PublishToAll(ctx context.Context, ev *types.Event) ([]types.RelayResult, error) {
	targets := p.openConns(true)
	if len(targets) == 0 {
		return nil, ErrNoOpenRelays
	}

	frame, err := EncodeEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %v", err)
	}

	acks := p.addAckWaiter(ev.ID, len(targets))
	defer p.removeAckWaiter(ev.ID, acks)

	start := time.Now()
	results := make(map[string]types.RelayResult, len(targets))
	pending := make(map[string]bool, len(targets))

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			results[c.cfg.URL] = types.RelayResult{RelayURL: c.cfg.URL, Error: err.Error()}
			continue
		}
		pending[c.cfg.URL] = true
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()

	for len(pending) > 0 {
		select {
		case ack := <-acks:
			if !pending[ack.Relay] {
				continue
			}
			delete(pending, ack.Relay)
			result := types.RelayResult{
				RelayURL:  ack.Relay,
				Success:   ack.Accepted,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if !ack.Accepted {
				result.Error = ack.Message
			}
			results[ack.Relay] = result

		case <-waitCtx.Done():
			for url := range pending {
				results[url] = types.RelayResult{RelayURL: url, Error: "timeout", LatencyMs: time.Since(start).Milliseconds()}
			}
			pending = nil
		}
	}

	ordered := make([]types.RelayResult, 0, len(results))
	for _, r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RelayURL < ordered[j].RelayURL })
	return ordered, nil
}

// SendToOpenRelays writes the event to every open write relay without waiting.
// Acknowledgements arrive later through SubscribeToIncoming.
func (p *Pool) SendToOpenRelays(ev *types.Event) ([]string, error) {
	targets := p.openConns(true)
	if len(targets) == 0 {
		return nil, ErrNoOpenRelays
	}

	frame, err := EncodeEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %v", err)
	}

	var sent []string
	for _, c := range targets {
		if err := c.write(frame); err != nil {
			p.logger.Warn(fmt.Sprintf("Failed to send event %s to %s: %v", ev.ID, c.cfg.URL, err), "relay")
			continue
		}
		sent = append(sent, c.cfg.URL)
	}
	if len(sent) == 0 {
		return nil, ErrNoOpenRelays
	}
	return sent, nil
}

// SubscribeToIncoming registers a handler for every inbound frame.
// Handlers run on the connection's read goroutine and must not block.
func (p *Pool) SubscribeToIncoming(handler func(Frame)) func() {
	p.handlersMu.Lock()
	id := p.nextHandlerID
	p.nextHandlerID++
	p.frameHandlers[id] = handler
	p.handlersMu.Unlock()

	return func() {
		p.handlersMu.Lock()
		delete(p.frameHandlers, id)
		p.handlersMu.Unlock()
	}
}

// OnConnectionChange registers a handler for relay status changes
func (p *Pool) OnConnectionChange(handler func(Connection)) func() {
	p.handlersMu.Lock()
	id := p.nextHandlerID
	p.nextHandlerID++
	p.statusHandlers[id] = handler
	p.handlersMu.Unlock()

	return func() {
		p.handlersMu.Lock()
		delete(p.statusHandlers, id)
		p.handlersMu.Unlock()
	}
}

// OpenSubscription sends a REQ to every open read relay and returns the relays it reached.
// The subscription is replayed on relays that connect or reconnect later.
func (p *Pool) OpenSubscription(subID string, filters ...types.Filter) []string {
	p.subsMu.Lock()
	p.subs[subID] = filters
	p.subsMu.Unlock()

	frame, err := EncodeReq(subID, filters)
	if err != nil {
		p.logger.Error(fmt.Sprintf("Failed to encode subscription %s: %v", subID, err), "relay")
		return nil
	}

	var reached []string
	for _, c := range p.openConns(false) {
		if err := c.write(frame); err != nil {
			p.logger.Warn(fmt.Sprintf("Failed to open subscription %s on %s: %v", subID, c.cfg.URL, err), "relay")
			continue
		}
		reached = append(reached, c.cfg.URL)
	}
	return reached
}

// CloseSubscription sends CLOSE to every open read relay and stops replaying the subscription
func (p *Pool) CloseSubscription(subID string) {
	p.subsMu.Lock()
	_, known := p.subs[subID]
	delete(p.subs, subID)
	p.subsMu.Unlock()

	if !known {
		return
	}

	frame, _ := EncodeClose(subID)
	for _, c := range p.openConns(false) {
		if err := c.write(frame); err != nil {
			p.logger.Debug(fmt.Sprintf("Failed to close subscription %s on %s: %v", subID, c.cfg.URL, err), "relay")
		}
	}
}

func (p *Pool) activeSubscriptions() map[string][]types.Filter {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()

	out := make(map[string][]types.Filter, len(p.subs))
	for id, filters := range p.subs {
		out[id] = filters
	}
	return out
}

func (p *Pool) addAckWaiter(eventID string, size int) chan *Acknowledgement {
	ch := make(chan *Acknowledgement, size*2)
	p.ackMu.Lock()
	p.ackWaiters[eventID] = append(p.ackWaiters[eventID], ch)
	p.ackMu.Unlock()
	return ch
}

func (p *Pool) removeAckWaiter(eventID string, ch chan *Acknowledgement) {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()

	waiters := p.ackWaiters[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(p.ackWaiters, eventID)
	} else {
		p.ackWaiters[eventID] = waiters
	}
}

func (p *Pool) dispatch(frame Frame) {
	if ack, ok := frame.(*Acknowledgement); ok {
		p.ackMu.Lock()
		for _, ch := range p.ackWaiters[ack.EventID] {
			select {
			case ch <- ack:
			default:
			}
		}
		p.ackMu.Unlock()
	}

	p.handlersMu.RLock()
	handlers := make([]func(Frame), 0, len(p.frameHandlers))
	for _, h := range p.frameHandlers {
		handlers = append(handlers, h)
	}
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		h(frame)
	}
}

func (p *Pool) notifyStatus(conn Connection) {
	p.handlersMu.RLock()
	handlers := make([]func(Connection), 0, len(p.statusHandlers))
	for _, h := range p.statusHandlers {
		handlers = append(handlers, h)
	}
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		h(conn)
	}
}
