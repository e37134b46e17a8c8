package messaging

import (
	"sort"
	"sync"

	messagingpolicy "advocate-chat/go-core/internal/domains/messaging/policy"
	"advocate-chat/go-core/pkg/models"
)

type thread struct {
	msgs []models.Message
	ids  map[string]struct{}
}

// Store is the local ordered message list of every conversation. It is a
// cache; History rebuilds it from the backend.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	seq     uint64
}

func NewStore() *Store {
	return &Store{threads: make(map[string]*thread)}
}

// Insert stamps the arrival sequence and places msg by (SentAt, arrival). A
// message id already present is ignored.
func (s *Store) Insert(msg models.Message) (models.Message, bool) {
	key := msg.Conversation.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[key]
	if t == nil {
		t = &thread{ids: make(map[string]struct{})}
		s.threads[key] = t
	}
	if _, dup := t.ids[msg.ID]; dup {
		return msg, false
	}
	s.seq++
	msg.ArrivalSeq = s.seq
	idx := sort.Search(len(t.msgs), func(i int) bool { return messagingpolicy.Before(msg, t.msgs[i]) })
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[idx+1:], t.msgs[idx:])
	t.msgs[idx] = msg
	t.ids[msg.ID] = struct{}{}
	return msg, true
}

func (s *Store) Remove(conv models.ConversationRef, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conv.Key()]
	if t == nil {
		return false
	}
	if _, ok := t.ids[messageID]; !ok {
		return false
	}
	delete(t.ids, messageID)
	for i, m := range t.msgs {
		if m.ID == messageID {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	return true
}

// List returns a copy of the conversation, keeping messages for which keep
// returns true. A nil keep keeps everything.
func (s *Store) List(conv models.ConversationRef, keep func(models.Message) bool) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.threads[conv.Key()]
	if t == nil {
		return nil
	}
	out := make([]models.Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) Len(conv models.ConversationRef) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.threads[conv.Key()]; t != nil {
		return len(t.msgs)
	}
	return 0
}
