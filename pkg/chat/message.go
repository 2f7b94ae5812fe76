package chat

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ModelSnapshot records which model configuration produced a message. It is
// captured at most once per message, on the first delta that carries it.
type ModelSnapshot struct {
	ConfigurationID string `json:"configuration_id,omitempty"`
	Name            string `json:"name,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
}

// Attachment is a reference to an uploaded file; upload itself lives outside
// this module.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is one transcript entry. IDs are client-temporary until the server
// confirms them; a placeholder's id slot is never reused for a different
// semantic message once replaced.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string

	// ParentID keys variant-group membership. Empty means the message is its
	// own root.
	ParentID string
	// VariantIndex is the ordinal among siblings; nil until the server (or an
	// ensemble send) assigns one.
	VariantIndex *int

	CreatedAt   time.Time
	Streaming   bool
	Placeholder bool
	Error       bool

	// Reasoning accumulates separately from Content and never feeds into it.
	Reasoning          string
	ReasoningCollapsed bool

	Attachments []Attachment
	Model       *ModelSnapshot
}

// GroupKey is the variant-group key for the message: its parent id, or its
// own id for roots.
func (m Message) GroupKey() string {
	if m.ParentID != "" {
		return m.ParentID
	}
	return m.ID
}

func variantIndex(i int) *int {
	v := i
	return &v
}

// NewUserPlaceholder builds the optimistic user message appended before the
// server confirms the turn. tempID may be empty, in which case one is minted.
func NewUserPlaceholder(convID, tempID, content string) Message {
	if tempID == "" {
		tempID = "temp-" + uuid.NewString()
	}
	return Message{
		ID:             tempID,
		ConversationID: convID,
		Role:           RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
		Placeholder:    true,
	}
}

// NewAssistantPlaceholder builds a streaming assistant placeholder under the
// given parent and variant index.
func NewAssistantPlaceholder(convID, parentID string, variant int) Message {
	return Message{
		ID:             "ph-" + uuid.NewString(),
		ConversationID: convID,
		Role:           RoleAssistant,
		ParentID:       parentID,
		VariantIndex:   variantIndex(variant),
		CreatedAt:      time.Now(),
		Streaming:      true,
		Placeholder:    true,
	}
}
