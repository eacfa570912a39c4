package client

import (
	"sync"

	"github.com/alwitt/classrelay/common"
)

// Inbox bounded list of received notifications. Once full the oldest entry is dropped.
type Inbox struct {
	lock     sync.Mutex
	capacity int
	entries  []common.Notification
}

// NewInbox define an inbox holding at most capacity notifications
func NewInbox(capacity int) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{capacity: capacity, entries: make([]common.Notification, 0, capacity)}
}

// Add record a notification
func (i *Inbox) Add(notification common.Notification) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if len(i.entries) == i.capacity {
		i.entries = i.entries[1:]
	}
	i.entries = append(i.entries, notification)
}

// List the recorded notifications, newest first
func (i *Inbox) List() []common.Notification {
	i.lock.Lock()
	defer i.lock.Unlock()
	result := make([]common.Notification, 0, len(i.entries))
	for itr := len(i.entries) - 1; itr >= 0; itr-- {
		result = append(result, i.entries[itr])
	}
	return result
}

// Len number of recorded notifications
func (i *Inbox) Len() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.entries)
}

// Clear drop all recorded notifications
func (i *Inbox) Clear() {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.entries = make([]common.Notification, 0, i.capacity)
}
