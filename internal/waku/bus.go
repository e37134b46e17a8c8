package waku

import "sync"

// Envelope is one feed payload addressed to a single backend identity.
type Envelope struct {
	ID        string
	Recipient string
	Payload   []byte
}

// Bus is the in-process mock transport. Envelopes for a recipient with no
// subscriber wait in its mailbox and are replayed on the next subscribe.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]func(Envelope)
	mailbox     map[string][]Envelope
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]func(Envelope)),
		mailbox:     make(map[string][]Envelope),
	}
}

// Publish delivers synchronously to the current subscriber, outside the lock,
// so handlers may publish in turn.
func (b *Bus) Publish(env Envelope) {
	b.mu.Lock()
	handler, ok := b.subscribers[env.Recipient]
	if !ok {
		b.mailbox[env.Recipient] = append(b.mailbox[env.Recipient], env)
	}
	b.mu.Unlock()
	if ok {
		handler(env)
	}
}

func (b *Bus) subscribe(recipient string, handler func(Envelope)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := b.mailbox[recipient]
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *Bus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}

// Pending reports how many envelopes wait in recipient's mailbox.
func (b *Bus) Pending(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailbox[recipient])
}
