package delivery

import (
	"sync"

	"gitlab.com/yawning/avl.git"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// WorkingSet is the engine's bounded in-memory cache of recent messages,
// kept ordered by timestamp. Evicting from it never touches the store.
type WorkingSet struct {
	mu       sync.RWMutex
	capacity int
	tree     *avl.Tree
	byID     map[string]*avl.Node
}

// NewWorkingSet creates a cache holding at most capacity messages
func NewWorkingSet(capacity int) *WorkingSet {
	if capacity <= 0 {
		capacity = 1000
	}
	return &WorkingSet{
		capacity: capacity,
		byID:     make(map[string]*avl.Node),
		tree: avl.New(func(a, b interface{}) int {
			ma, mb := a.(*types.Message), b.(*types.Message)
			switch {
			case ma.Timestamp.Before(mb.Timestamp):
				return -1
			case ma.Timestamp.After(mb.Timestamp):
				return 1
			case ma.ID < mb.ID:
				return -1
			case ma.ID > mb.ID:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Upsert inserts or replaces a message and evicts the oldest entries beyond capacity
func (ws *WorkingSet) Upsert(msg *types.Message) {
	if msg == nil || msg.ID == "" {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if node, ok := ws.byID[msg.ID]; ok {
		ws.tree.Remove(node)
		delete(ws.byID, msg.ID)
	}

	ws.byID[msg.ID] = ws.tree.Insert(msg.Clone())

	for ws.tree.Len() > ws.capacity {
		oldest := ws.tree.First()
		delete(ws.byID, oldest.Value.(*types.Message).ID)
		ws.tree.Remove(oldest)
	}
}

// Get returns a copy of a cached message
func (ws *WorkingSet) Get(id string) (*types.Message, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	node, ok := ws.byID[id]
	if !ok {
		return nil, false
	}
	return node.Value.(*types.Message).Clone(), true
}

// UpdateStatus changes the cached status in place; the ordering key is unaffected
func (ws *WorkingSet) UpdateStatus(id string, status types.MessageStatus) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	node, ok := ws.byID[id]
	if !ok {
		return false
	}
	node.Value.(*types.Message).Status = status
	return true
}

// AddRelayResult merges one relay answer into the cached message
func (ws *WorkingSet) AddRelayResult(id string, result types.RelayResult) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	node, ok := ws.byID[id]
	if !ok {
		return
	}
	msg := node.Value.(*types.Message)
	for i := range msg.RelayResults {
		if msg.RelayResults[i].RelayURL == result.RelayURL {
			msg.RelayResults[i] = result
			return
		}
	}
	msg.RelayResults = append(msg.RelayResults, result)
}

// SetRetryCount updates the cached retry counter
func (ws *WorkingSet) SetRetryCount(id string, count int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if node, ok := ws.byID[id]; ok {
		node.Value.(*types.Message).RetryCount = count
	}
}

// Remove drops a message from the cache
func (ws *WorkingSet) Remove(id string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if node, ok := ws.byID[id]; ok {
		ws.tree.Remove(node)
		delete(ws.byID, id)
	}
}

// ByConversation returns up to limit cached messages of a conversation, newest first
func (ws *WorkingSet) ByConversation(conversationID string, limit int) []*types.Message {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var out []*types.Message
	ws.tree.ForEach(avl.Backward, func(node *avl.Node) bool {
		msg := node.Value.(*types.Message)
		if msg.ConversationID == conversationID {
			out = append(out, msg.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Recent returns up to limit cached messages across conversations, newest first
func (ws *WorkingSet) Recent(limit int) []*types.Message {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var out []*types.Message
	iter := ws.tree.Iterator(avl.Backward)
	for node := iter.First(); node != nil; node = iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, node.Value.(*types.Message).Clone())
	}
	return out
}

// Len returns the number of cached messages
func (ws *WorkingSet) Len() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.tree.Len()
}
