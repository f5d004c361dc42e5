package delivery

import (
	"context"
	"database/sql"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debug(msg, category string) {}
func (l testLogger) Info(msg, category string)  {}
func (l testLogger) Warn(msg, category string)  { l.t.Logf("[warn] %s: %s", category, msg) }
func (l testLogger) Error(msg, category string) { l.t.Logf("[error] %s: %s", category, msg) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePublisher only writes events; it has no acknowledgement channel
type fakePublisher struct {
	mu       sync.Mutex
	conns    []relay.Connection
	sent     []*types.Event
	handlers map[int]func(relay.Frame)
	nextID   int
	subs     map[string][]types.Filter
	closed   []string
	watchers map[int]func(relay.Connection)
}

func newFakePublisher(urls ...string) *fakePublisher {
	p := &fakePublisher{
		handlers: make(map[int]func(relay.Frame)),
		subs:     make(map[string][]types.Filter),
		watchers: make(map[int]func(relay.Connection)),
	}
	for _, url := range urls {
		p.conns = append(p.conns, relay.Connection{URL: url, Status: relay.StatusOpen, Read: true, Write: true})
	}
	return p
}

// setStatus changes every connection without telling anyone
func (p *fakePublisher) setStatus(status relay.ConnectionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.conns {
		p.conns[i].Status = status
	}
}

// announceStatus changes every connection and notifies connection watchers
func (p *fakePublisher) announceStatus(status relay.ConnectionStatus) {
	p.mu.Lock()
	for i := range p.conns {
		p.conns[i].Status = status
	}
	conns := append([]relay.Connection(nil), p.conns...)
	watchers := make([]func(relay.Connection), 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()

	for _, c := range conns {
		for _, w := range watchers {
			w(c)
		}
	}
}

func (p *fakePublisher) OnConnectionChange(handler func(relay.Connection)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.watchers[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, id)
	}
}

func (p *fakePublisher) openURLs() []string {
	var urls []string
	for _, c := range p.conns {
		if c.Status == relay.StatusOpen {
			urls = append(urls, c.URL)
		}
	}
	return urls
}

func (p *fakePublisher) SendToOpenRelays(ev *types.Event) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	urls := p.openURLs()
	if len(urls) == 0 {
		return nil, relay.ErrNoOpenRelays
	}
	p.sent = append(p.sent, ev)
	return urls, nil
}

func (p *fakePublisher) SubscribeToIncoming(handler func(relay.Frame)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.handlers[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

func (p *fakePublisher) Connections() []relay.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.Connection(nil), p.conns...)
}

func (p *fakePublisher) OpenSubscription(subID string, filters ...types.Filter) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[subID] = filters
	return p.openURLs()
}

func (p *fakePublisher) CloseSubscription(subID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, subID)
	p.closed = append(p.closed, subID)
}

func (p *fakePublisher) emit(frame relay.Frame) {
	p.mu.Lock()
	handlers := make([]func(relay.Frame), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

func (p *fakePublisher) openSubscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *fakePublisher) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakePublisher) handlerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// ackPublisher answers every publish synchronously through respond
type ackPublisher struct {
	*fakePublisher

	mu      sync.Mutex
	respond func(url string) types.RelayResult
}

func newAckPublisher(urls ...string) *ackPublisher {
	return &ackPublisher{fakePublisher: newFakePublisher(urls...)}
}

func (p *ackPublisher) setResponder(fn func(url string) types.RelayResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *ackPublisher) PublishToAll(ctx context.Context, ev *types.Event) ([]types.RelayResult, error) {
	urls, err := p.SendToOpenRelays(ev)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	respond := p.respond
	p.mu.Unlock()

	results := make([]types.RelayResult, 0, len(urls))
	for _, url := range urls {
		if respond == nil {
			results = append(results, types.RelayResult{RelayURL: url, Success: true})
			continue
		}
		r := respond(url)
		r.RelayURL = url
		results = append(results, r)
	}
	return results, nil
}

func rejectAll(string) types.RelayResult {
	return types.RelayResult{Success: false, Error: "blocked: rate-limited"}
}

type fakeTrust struct {
	mu       sync.Mutex
	accepted map[string]bool
	blocked  map[string]bool
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{accepted: map[string]bool{}, blocked: map[string]bool{}}
}

func (f *fakeTrust) accept(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[key] = true
}

func (f *fakeTrust) block(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[key] = true
}

func (f *fakeTrust) IsAccepted(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted[key], nil
}

func (f *fakeTrust) IsBlocked(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[key], nil
}

type parkedRequest struct {
	event     *types.Event
	plaintext string
}

type fakeRequests struct {
	mu     sync.Mutex
	parked []parkedRequest
}

func (f *fakeRequests) RouteUnknownSender(ev *types.Event, plaintext string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, parkedRequest{event: ev, plaintext: plaintext})
	return nil
}

func (f *fakeRequests) all() []parkedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]parkedRequest(nil), f.parked...)
}

type statusChange struct {
	id     string
	status types.MessageStatus
}

type recordingEmitter struct {
	mu       sync.Mutex
	created  []*types.Message
	changes  []statusChange
	received []*types.Message
	requests []string
	runs     []*QueueRunResult
}

func (r *recordingEmitter) MessageCreated(msg *types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, msg)
}

func (r *recordingEmitter) MessageStatusChanged(id string, status types.MessageStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{id: id, status: status})
}

func (r *recordingEmitter) MessageReceived(msg *types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

func (r *recordingEmitter) RequestReceived(sender, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, sender)
}

func (r *recordingEmitter) QueueProcessed(result *QueueRunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, result)
}

func (r *recordingEmitter) statusesOf(id string) []types.MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.MessageStatus
	for _, c := range r.changes {
		if c.id == id {
			out = append(out, c.status)
		}
	}
	return out
}

func openTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, db *sql.DB) *database.MessageStore {
	store, err := database.NewMessageStore(db, testLogger{t}, database.MessageStoreOptions{
		RetentionPerConversation: 500,
		MaxRetries:               5,
	})
	require.NoError(t, err)
	return store
}

type harness struct {
	t        *testing.T
	engine   *Engine
	store    *database.MessageStore
	health   *database.RelayHealthDB
	pub      *fakePublisher
	acks     *ackPublisher
	trust    *fakeTrust
	requests *fakeRequests
	emitter  *recordingEmitter
	clock    *fakeClock
	self     *crypto.KeyPair
	peer     *crypto.KeyPair
	detach   func()
}

// newHarness builds an engine over an in-memory store. With withAcks the
// publisher answers every publish; otherwise it is write-only.
func newHarness(t *testing.T, withAcks bool, relays ...string) *harness {
	db := openTestDB(t)
	store := newTestStore(t, db)
	health, err := database.NewRelayHealthDB(db, testLogger{t})
	require.NoError(t, err)

	self, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	peer, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		store:    store,
		health:   health,
		trust:    newFakeTrust(),
		requests: &fakeRequests{},
		emitter:  &recordingEmitter{},
		clock:    newFakeClock(),
		self:     self,
		peer:     peer,
	}

	var publisher RelayPublisher
	if withAcks {
		h.acks = newAckPublisher(relays...)
		h.pub = h.acks.fakePublisher
		publisher = h.acks
	} else {
		h.pub = newFakePublisher(relays...)
		publisher = h.pub
	}

	h.engine = h.build(publisher)
	t.Cleanup(func() { h.detach() })
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SyncTimeout = 200 * time.Millisecond
	return cfg
}

func (h *harness) build(publisher RelayPublisher) *Engine {
	return h.buildWith(publisher, testConfig())
}

func (h *harness) buildWith(publisher RelayPublisher, cfg Config) *Engine {
	e, err := New(cfg, Dependencies{
		Store:     h.store,
		Publisher: publisher,
		Signer:    crypto.NewEventSigner(h.self),
		Cipher:    crypto.NewDMCipher(h.self),
		Trust:     h.trust,
		Requests:  h.requests,
		Health:    h.health,
		Emitter:   h.emitter,
		Logger:    testLogger{h.t},
		Clock:     h.clock,
		Rand:      rand.New(rand.NewSource(1)),
		Probe:     func() bool { return true },
	})
	require.NoError(h.t, err)

	// attach without starting the background loops
	h.detach = h.pub.SubscribeToIncoming(e.handleFrame)
	e.network.Refresh()
	return e
}

// restart replaces the engine with a fresh one over the same store
func (h *harness) restart() {
	h.restartWith(testConfig())
}

func (h *harness) restartWith(cfg Config) {
	var publisher RelayPublisher = h.pub
	if h.acks != nil {
		publisher = h.acks
	}
	h.detach()
	h.engine = h.buildWith(publisher, cfg)
}

// inbound builds a signed direct message from author to recipient
func (h *harness) inbound(author *crypto.KeyPair, recipient, text string) *types.Event {
	sealed, err := crypto.NewDMCipher(author).Encrypt(recipient, text)
	require.NoError(h.t, err)

	ev := &types.Event{
		CreatedAt: h.clock.Now().Unix(),
		Kind:      types.KindDirectMessage,
		Tags:      []types.Tag{{"p", recipient}},
		Content:   sealed,
	}
	require.NoError(h.t, crypto.NewEventSigner(author).SignEvent(ev))
	return ev
}

func (h *harness) status(id string) types.MessageStatus {
	msg, err := h.store.GetMessage(id)
	require.NoError(h.t, err)
	require.NotNil(h.t, msg, "message %s not stored", id)
	return msg.Status
}
