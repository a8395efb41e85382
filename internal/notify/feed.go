// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/clinovia/clinovia/internal/logging"
)

// changeTopic is the single topic carrying notification change events.
const changeTopic = "notifications.changes"

// Feed is the in-process change feed for the notifications table. It
// wraps a Watermill gochannel Pub/Sub: every subscriber receives every
// event and applies its own scoping.
type Feed struct {
	pubsub *gochannel.GoChannel
}

// NewFeed creates a change feed with the given per-subscriber buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: int64(buffer)},
			watermill.NewStdLogger(false, false),
		),
	}
}

// Publish emits one change event to every subscriber.
func (f *Feed) Publish(event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := f.pubsub.Publish(changeTopic, msg); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded change events. The channel
// closes when ctx is cancelled or the feed is closed. Undecodable
// messages are logged and skipped.
func (f *Feed) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	messages, err := f.pubsub.Subscribe(ctx, changeTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}

	events := make(chan ChangeEvent)
	go func() {
		defer close(events)
		for msg := range messages {
			var event ChangeEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				logging.Warn().Err(err).Str("message_id", msg.UUID).
					Msg("Dropping undecodable change event")
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Close shuts the feed down and closes all subscriber channels.
func (f *Feed) Close() error {
	return f.pubsub.Close()
}
