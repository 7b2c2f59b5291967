package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SendAndWait sends text and blocks until the assistant's reply turn
// arrives on the event stream, or ctx is done.
func (c *Client) SendAndWait(ctx context.Context, text string) (*Turn, error) {
	var (
		once     sync.Once
		ready    = make(chan struct{})
		replies  = make(chan Turn, 16)
		seenMu   sync.Mutex
		seen     = make(map[string]bool)
		dropped  error
		droppedM sync.Mutex
	)

	ev, err := c.Connect(ctx, EventCallbacks{
		OnSnapshot: func(t Transcript) {
			seenMu.Lock()
			for _, turn := range t.Turns {
				seen[turn.ID] = true
			}
			seenMu.Unlock()
			once.Do(func() { close(ready) })
		},
		OnTurn: func(t Turn) {
			seenMu.Lock()
			dup := seen[t.ID]
			seen[t.ID] = true
			seenMu.Unlock()
			if dup || t.Role != "assistant" {
				return
			}
			select {
			case replies <- t:
			default:
			}
		},
		OnDisconnected: func(err error) {
			droppedM.Lock()
			dropped = err
			droppedM.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	defer ev.Close()

	select {
	case <-ready:
	case <-ev.Done():
		return nil, errors.New("event stream closed before snapshot")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	accepted, err := c.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, ErrNotAccepted
	}

	select {
	case reply := <-replies:
		return &reply, nil
	case <-ev.Done():
		droppedM.Lock()
		defer droppedM.Unlock()
		return nil, fmt.Errorf("event stream closed while waiting for reply: %v", dropped)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
