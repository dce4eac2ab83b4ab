package events

import (
	"sync"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
)

// Event reports a change in a video's lifecycle.
type Event struct {
	VideoID       string             `json:"video_id"`
	Status        models.VideoStatus `json:"status"`
	Stage         string             `json:"stage,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	At            time.Time          `json:"at"`
}

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
}

// Broker fans events out to per-video subscribers. A slow subscriber loses
// its oldest buffered events rather than block publishers, so the latest
// state, terminal ones included, always reaches it.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel of the video's events and a function that
// ends the subscription and closes the channel.
func (b *Broker) Subscribe(videoID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[videoID] == nil {
		b.subs[videoID] = make(map[*subscriber]struct{})
	}
	b.subs[videoID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[videoID], sub)
			if len(b.subs[videoID]) == 0 {
				delete(b.subs, videoID)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[e.VideoID] {
		sub.send(e)
	}
}

func (s *subscriber) send(e Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribers reports how many listeners a video has.
func (b *Broker) Subscribers(videoID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[videoID])
}
