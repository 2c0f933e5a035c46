package fieldsync

import "sync"

// Event names published by the client.
const (
	EventSyncStart         = "sync.start"
	EventSyncComplete      = "sync.complete"
	EventSyncError         = "sync.error"
	EventReauthRequired    = "sync.reauth_required"
	EventNetworkOnline     = "network.online"
	EventNetworkOffline    = "network.offline"
	EventQueueChanged      = "queue.changed"
	EventNavigationBlocked = "navigation.blocked"
)

// EventHandler receives an event name and an optional payload.
type EventHandler func(event string, payload any)

type eventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (e *eventEmitter) On(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(event, payload)
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
