/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package utils

import (
	"context"
)

// A Broadcaster fans out published messages to all current subscribers. Slow
// subscribers whose channel buffer is full miss messages instead of blocking
// the pump.
type Broadcaster struct {
	bufferSize int
	stopped    AtomicBool

	publishCh     chan interface{}
	subscribeCh   chan chan interface{}
	unsubscribeCh chan chan interface{}
	stopCh        chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		bufferSize: 16,

		publishCh:     make(chan interface{}, 1),
		subscribeCh:   make(chan chan interface{}, 1),
		unsubscribeCh: make(chan chan interface{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Start runs the pump until Stop is called or ctx is cancelled. Single Go
// routine handles publishes, subscriptions and unsubscriptions.
func (b *Broadcaster) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	subscribers := make(map[chan interface{}]struct{})

	for {
		select {

		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			// Close here in the pump, a close in Unsubscribe races with
			// the publish branch sending on the same channel.
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			for messageCh := range subscribers {
				// Non blocking send to all subscribers.
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			for messageCh := range subscribers {
				close(messageCh)
			}
			return

		case <-ctx.Done():
			b.Stop()
		}
	}
}

func (b *Broadcaster) Stop() {
	if b.stopped.CompareFalseAndSetTrue() {
		close(b.stopCh)
	}
}

func (b *Broadcaster) Subscribe() chan interface{} {
	messageCh := make(chan interface{}, b.bufferSize)
	b.subscribeCh <- messageCh
	return messageCh
}

func (b *Broadcaster) Unsubscribe(messageCh chan interface{}) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.stopCh:
		// Pump is gone and has closed all subscriber channels already.
	}
}

func (b *Broadcaster) Broadcast(msg interface{}) {
	b.publishCh <- msg
}
