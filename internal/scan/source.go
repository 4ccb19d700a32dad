package scan

import "sync"

type KeySource interface {
	Subscribe(handler func(KeyEvent)) (unsubscribe func())
}

// Keyboard is an in-process KeySource. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Keyboard struct {
	mu       sync.Mutex
	nextID   int
	handlers []keyHandler
}

type keyHandler struct {
	id int
	fn func(KeyEvent)
}

func NewKeyboard() *Keyboard {
	return &Keyboard{}
}

func (k *Keyboard) Subscribe(handler func(KeyEvent)) func() {
	k.mu.Lock()
	k.nextID++
	id := k.nextID
	k.handlers = append(k.handlers, keyHandler{id: id, fn: handler})
	k.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			defer k.mu.Unlock()
			for i, h := range k.handlers {
				if h.id == id {
					k.handlers = append(k.handlers[:i], k.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (k *Keyboard) Publish(events ...KeyEvent) {
	k.mu.Lock()
	handlers := make([]keyHandler, len(k.handlers))
	copy(handlers, k.handlers)
	k.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h.fn(ev)
		}
	}
}

func (k *Keyboard) Subscribers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.handlers)
}
