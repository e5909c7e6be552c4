package events

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	DefaultLogSize = 1000
)

var (
	ErrEventNotInLog = errors.New("event not found")
)

// Log retains the most recent events fired by this process for later lookup.
type Log struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]Event
	size   int
}

func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}

	return &Log{size: size, byID: map[string]Event{}}
}

func (l *Log) Save(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == l.size {
		delete(l.byID, l.events[0].EventBase().ID)
		l.events = l.events[1:]
	}

	l.events = append(l.events, e)
	l.byID[e.EventBase().ID] = e
}

func (l *Log) Get(id string) (Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, exists := l.byID[id]
	if !exists {
		return nil, errors.Wrap(ErrEventNotInLog, id)
	}

	return e, nil
}

// List returns up to limit of the most recent events with the given name, newest first.
// An empty name matches all events, a limit of zero returns all matches.
func (l *Log) List(name Name, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	found := []Event{}

	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if name != "" && e.EventBase().Name != name {
			continue
		}

		found = append(found, e)

		if limit > 0 && len(found) == limit {
			break
		}
	}

	return found
}
