package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventType is the wire discriminator carried in the "event" field.
type EventType string

const (
	EventUserMessage    EventType = "user_message"
	EventContentDelta   EventType = "content_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventFinalMessage   EventType = "final_message"
	EventServerError    EventType = "error"
	// EventDone is synthesized from the literal terminal sentinel.
	EventDone EventType = "done"
)

// DoneSentinel is the literal payload that ends a stream.
const DoneSentinel = "[DONE]"

// WireMessage is the full message object carried by user_message and
// final_message events.
type WireMessage struct {
	ID              string    `json:"id"`
	TempID          string    `json:"temp_id,omitempty"`
	Role            string    `json:"role,omitempty"`
	Content         string    `json:"content"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	VariantIndex    *int      `json:"variant_index,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// StreamEvent is the decoded form of one framed record.
type StreamEvent struct {
	Type         EventType
	VariantIndex int
	Text         string
	Message      *WireMessage
	Model        *ModelSnapshot
	ErrorText    string
}

type wireEnvelope struct {
	Event        string `json:"event"`
	VariantIndex *int   `json:"variant_index"`
	Text         string `json:"text"`
	Content      string `json:"content"`
	Message      string `json:"message"`

	ModelConfiguration string `json:"model_configuration"`
	ModelName          string `json:"model_name"`
	ModelDisplayName   string `json:"model_display_name"`

	ID              string    `json:"id"`
	TempID          string    `json:"temp_id"`
	Role            string    `json:"role"`
	ParentMessageID string    `json:"parent_message_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// DecodeEvent parses one record payload into a StreamEvent. It fails closed:
// malformed JSON and unknown discriminators are errors, and the caller is
// expected to log and skip rather than abort the stream.
func DecodeEvent(payload string) (StreamEvent, error) {
	if strings.TrimSpace(payload) == DoneSentinel {
		return StreamEvent{Type: EventDone}, nil
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return StreamEvent{}, errors.Wrap(err, "decode event payload")
	}

	ev := StreamEvent{Type: EventType(env.Event)}
	if env.VariantIndex != nil {
		ev.VariantIndex = *env.VariantIndex
	}
	if env.ModelConfiguration != "" || env.ModelName != "" || env.ModelDisplayName != "" {
		ev.Model = &ModelSnapshot{
			ConfigurationID: env.ModelConfiguration,
			Name:            env.ModelName,
			DisplayName:     env.ModelDisplayName,
		}
	}

	switch ev.Type {
	case EventContentDelta, EventReasoningDelta:
		ev.Text = env.Text
		if ev.Text == "" {
			ev.Text = env.Content
		}
		return ev, nil
	case EventUserMessage, EventFinalMessage:
		ev.Message = &WireMessage{
			ID:              env.ID,
			TempID:          env.TempID,
			Role:            env.Role,
			Content:         env.Content,
			ParentMessageID: env.ParentMessageID,
			VariantIndex:    env.VariantIndex,
			CreatedAt:       env.CreatedAt,
		}
		return ev, nil
	case EventServerError:
		ev.ErrorText = env.Message
		return ev, nil
	default:
		return StreamEvent{}, errors.Errorf("unknown event discriminator %q", env.Event)
	}
}

// toMessage converts a wire message into a store message.
func (w *WireMessage) toMessage(convID string) Message {
	if w == nil {
		return Message{}
	}
	role := Role(w.Role)
	if role == "" {
		role = RoleAssistant
	}
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Message{
		ID:             w.ID,
		ConversationID: convID,
		Role:           role,
		Content:        w.Content,
		ParentID:       w.ParentMessageID,
		VariantIndex:   w.VariantIndex,
		CreatedAt:      created,
	}
}
