package fusion

import (
	"sync"
	"time"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
)

const (
	DefaultJournalTTL  = 30 * time.Minute
	DefaultJournalSize = 10000
)

type journalEntry struct {
	rec     *Recommendation
	expires time.Time
}

// Journal remembers recent recommendations by (conversation, turn) so retried
// decides return the same answer and outcomes can be attributed.
type Journal struct {
	ttl  time.Duration
	size int
	now  func() time.Time

	mu      sync.Mutex
	entries map[conversation.OutcomeKey]journalEntry
	byConv  map[string][]conversation.OutcomeKey
	order   []conversation.OutcomeKey // insertion order, oldest first
	settled map[string]time.Time      // conversation -> expiry of its settled mark
}

func NewJournal(ttl time.Duration, size int) *Journal {
	if ttl <= 0 {
		ttl = DefaultJournalTTL
	}
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{
		ttl:     ttl,
		size:    size,
		now:     time.Now,
		entries: make(map[conversation.OutcomeKey]journalEntry),
		byConv:  make(map[string][]conversation.OutcomeKey),
		settled: make(map[string]time.Time),
	}
}

// Put stores rec. An existing entry for the same key is kept.
func (j *Journal) Put(rec *Recommendation) *Recommendation {
	key := rec.Key()

	j.mu.Lock()
	defer j.mu.Unlock()

	if e, ok := j.entries[key]; ok && j.now().Before(e.expires) {
		return e.rec
	}
	if _, ok := j.entries[key]; !ok {
		j.order = append(j.order, key)
		j.byConv[key.ConversationID] = append(j.byConv[key.ConversationID], key)
	}
	j.entries[key] = journalEntry{rec: rec, expires: j.now().Add(j.ttl)}
	j.evictLocked()
	return rec
}

// Get returns the unexpired recommendation for key.
func (j *Journal) Get(key conversation.OutcomeKey) (*Recommendation, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[key]
	if !ok || !j.now().Before(e.expires) {
		return nil, false
	}
	return e.rec, true
}

// Conversation returns every unexpired recommendation of a conversation in
// the order they were made.
func (j *Journal) Conversation(conversationID string) []*Recommendation {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	var out []*Recommendation
	for _, key := range j.byConv[conversationID] {
		if e, ok := j.entries[key]; ok && now.Before(e.expires) {
			out = append(out, e.rec)
		}
	}
	return out
}

// Forget drops a conversation once its end has been recorded.
func (j *Journal) Forget(conversationID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, key := range j.byConv[conversationID] {
		delete(j.entries, key)
	}
	delete(j.byConv, conversationID)
}

// Settle marks the conversation's final learning as applied. It reports true
// only for the first call per conversation within the journal TTL. The mark
// survives Forget so a late end marker does not apply the result again.
func (j *Journal) Settle(conversationID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	if exp, ok := j.settled[conversationID]; ok && now.Before(exp) {
		return false
	}
	if len(j.settled) >= j.size {
		for id, exp := range j.settled {
			if !now.Before(exp) {
				delete(j.settled, id)
			}
		}
	}
	j.settled[conversationID] = now.Add(j.ttl)
	return true
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// evictLocked drops expired and forgotten keys from the head of the insertion
// order, then the oldest entries while over capacity.
func (j *Journal) evictLocked() {
	now := j.now()
	drop := 0
	for _, key := range j.order {
		e, ok := j.entries[key]
		if ok && now.Before(e.expires) && len(j.entries) <= j.size {
			break
		}
		if ok {
			delete(j.entries, key)
		}
		j.removeConvKeyLocked(key)
		drop++
	}
	j.order = j.order[drop:]
}

func (j *Journal) removeConvKeyLocked(key conversation.OutcomeKey) {
	keys := j.byConv[key.ConversationID]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(j.byConv, key.ConversationID)
		return
	}
	j.byConv[key.ConversationID] = keys
}
