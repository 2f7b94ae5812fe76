package chat

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Notice types published on the per-conversation control topic. Sessions and
// the side-by-side controller only communicate through these declared events,
// never through shared mutable state.
const (
	NoticeStreamStarted        = "stream_started"
	NoticeStreamFinished       = "stream_finished"
	NoticeParentReplaced       = "parent_replaced"
	NoticeRegenerationStarted  = "regeneration_started"
	NoticeRegenerationComplete = "regeneration_completed"
)

// Notice is one control-plane event for a conversation.
type Notice struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ParentID       string `json:"parent_id,omitempty"`
	NewParentID    string `json:"new_parent_id,omitempty"`
}

// Bus is the in-process pub/sub carrying session lifecycle notices.
type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{}),
	}
}

func controlTopic(convID string) string { return "chatctl:" + convID }

func (b *Bus) Publish(n Notice) error {
	if b == nil || b.pubsub == nil {
		return nil
	}
	if n.ConversationID == "" {
		return errors.New("bus: notice has no conversation id")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "bus: marshal notice")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(controlTopic(n.ConversationID), msg)
}

// publish is the fire-and-forget variant used from session hot paths.
func (b *Bus) publish(n Notice) {
	if err := b.Publish(n); err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("conv_id", n.ConversationID).
			Str("notice", n.Type).Msg("bus: publish failed")
	}
}

func (b *Bus) Subscribe(ctx context.Context, convID string) (<-chan *message.Message, error) {
	if b == nil || b.pubsub == nil {
		return nil, errors.New("bus: not initialized")
	}
	return b.pubsub.Subscribe(ctx, controlTopic(convID))
}

func (b *Bus) Close() error {
	if b == nil || b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}
