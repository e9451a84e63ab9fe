package sender

import (
	"context"
	"fmt"

	"alertd/internal/entity"
)

type NotificationSender interface {
	Send(ctx context.Context, target entity.Target, msg entity.Message) error
}

// MultiSender routes a message to the sender registered for the target's
// channel.
type MultiSender struct {
	senders map[entity.Channel]NotificationSender
}

func NewMultiSender() *MultiSender {
	return &MultiSender{senders: make(map[entity.Channel]NotificationSender)}
}

// Register binds s to channel. A nil sender is ignored.
func (m *MultiSender) Register(channel entity.Channel, s NotificationSender) *MultiSender {
	if s != nil {
		m.senders[channel] = s
	}
	return m
}

func (m *MultiSender) Channels() []entity.Channel {
	channels := make([]entity.Channel, 0, len(m.senders))
	for _, ch := range []entity.Channel{entity.Telegram, entity.Webapp} {
		if _, ok := m.senders[ch]; ok {
			channels = append(channels, ch)
		}
	}
	return channels
}

func (m *MultiSender) Send(ctx context.Context, target entity.Target, msg entity.Message) error {
	s, ok := m.senders[target.Channel]
	if !ok {
		return Permanent(fmt.Errorf("sender.MultiSender.Send: unsupported channel: %s", target.Channel))
	}
	return s.Send(ctx, target, msg)
}
