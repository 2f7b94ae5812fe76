package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

type sbsMode struct {
	enabled bool
	auto    bool
}

// convModes is one conversation's display-mode state.
type convModes struct {
	modes   map[string]sbsMode
	blocked map[string]int
}

func newConvModes() *convModes {
	return &convModes{modes: map[string]sbsMode{}, blocked: map[string]int{}}
}

func (cm *convModes) empty() bool {
	return len(cm.modes) == 0 && len(cm.blocked) == 0
}

// Controller decides, per variant group, whether sibling variants render
// simultaneously. It auto-engages during active multi-variant streaming,
// auto-disengages when an auto-enabled group stops validating, and never
// overrides an explicit manual choice. A pending regeneration blocks
// auto-enable for its target parent until the request settles. All state is
// keyed by conversation id first, so reconciling one conversation never
// touches another's modes.
type Controller struct {
	mu    sync.Mutex
	convs map[string]*convModes
}

func NewController() *Controller {
	return &Controller{convs: map[string]*convModes{}}
}

// convLocked returns the conversation's state, creating it on demand.
func (c *Controller) convLocked(convID string) *convModes {
	cm := c.convs[convID]
	if cm == nil {
		cm = newConvModes()
		c.convs[convID] = cm
	}
	return cm
}

// dropIfEmptyLocked forgets a conversation once nothing is recorded for it.
func (c *Controller) dropIfEmptyLocked(convID string) {
	if cm := c.convs[convID]; cm != nil && cm.empty() {
		delete(c.convs, convID)
	}
}

// Enabled reports the display mode for a parent id.
func (c *Controller) Enabled(convID, parentID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	if cm == nil {
		return false
	}
	return cm.modes[parentID].enabled
}

// Modes returns a copy of one conversation's per-parent display flags.
func (c *Controller) Modes(convID string) map[string]bool {
	if c == nil {
		return map[string]bool{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	out := map[string]bool{}
	if cm == nil {
		return out
	}
	for k, m := range cm.modes {
		out[k] = m.enabled
	}
	return out
}

// Toggle records a manual choice. Manual modes are never auto-reverted.
func (c *Controller) Toggle(convID, parentID string, on bool) {
	if c == nil || convID == "" || parentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convLocked(convID).modes[parentID] = sbsMode{enabled: on, auto: false}
}

// Blocked reports whether a pending regeneration currently blocks the parent.
func (c *Controller) Blocked(convID, parentID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	return cm != nil && cm.blocked[parentID] > 0
}

// Sync runs the auto enable/disable pass for one conversation against that
// conversation's current groups. Auto-enable: an unblocked parent with more
// than one sibling and at least one actively streaming variant, and no
// recorded mode yet. Auto-disable: a previously auto-enabled parent whose
// group shrank to one or disappeared is turned off and forgotten. Other
// conversations' modes are not consulted and not modified.
func (c *Controller) Sync(convID string, groups map[string][]Message) {
	if c == nil || convID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convLocked(convID)

	for parentID, group := range groups {
		if len(group) <= 1 {
			continue
		}
		if cm.blocked[parentID] > 0 {
			continue
		}
		if !anyStreaming(group) {
			continue
		}
		if _, ok := cm.modes[parentID]; ok {
			continue
		}
		cm.modes[parentID] = sbsMode{enabled: true, auto: true}
	}

	for parentID, mode := range cm.modes {
		if !mode.auto {
			continue
		}
		group, ok := groups[parentID]
		if ok && len(group) > 1 {
			continue
		}
		delete(cm.modes, parentID)
	}
	c.dropIfEmptyLocked(convID)
}

// ClearAuto forgets an auto-enabled mode for the parent, e.g. after the user
// selected a variant. Manual modes are untouched.
func (c *Controller) ClearAuto(convID, parentID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	if cm == nil {
		return
	}
	if mode, ok := cm.modes[parentID]; ok && mode.auto {
		delete(cm.modes, parentID)
		c.dropIfEmptyLocked(convID)
	}
}

func (c *Controller) replaceParent(convID, oldID, newID string) {
	if c == nil || convID == "" || oldID == "" || newID == "" || oldID == newID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	if cm == nil {
		return
	}
	if mode, ok := cm.modes[oldID]; ok {
		delete(cm.modes, oldID)
		cm.modes[newID] = mode
	}
	if n := cm.blocked[oldID]; n > 0 {
		delete(cm.blocked, oldID)
		cm.blocked[newID] += n
	}
}

func (c *Controller) blockRegeneration(convID, parentID string) {
	if c == nil || convID == "" || parentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convLocked(convID).blocked[parentID]++
}

func (c *Controller) releaseRegeneration(convID, parentID string) {
	if c == nil || convID == "" || parentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := c.convs[convID]
	if cm == nil {
		return
	}
	if cm.blocked[parentID] <= 1 {
		delete(cm.blocked, parentID)
	} else {
		cm.blocked[parentID]--
	}
	c.dropIfEmptyLocked(convID)
}

// Listen consumes control notices for one conversation and applies them until
// the context is cancelled or the bus closes.
func (c *Controller) Listen(ctx context.Context, bus *Bus, convID string) error {
	if c == nil || bus == nil {
		return nil
	}
	ch, err := bus.Subscribe(ctx, convID)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var n Notice
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				log.Warn().Err(err).Str("component", "chat").Str("conv_id", convID).
					Msg("side-by-side: failed to decode notice")
				msg.Ack()
				continue
			}
			c.apply(n)
			msg.Ack()
		}
	}()
	return nil
}

func (c *Controller) apply(n Notice) {
	switch n.Type {
	case NoticeParentReplaced:
		c.replaceParent(n.ConversationID, n.ParentID, n.NewParentID)
	case NoticeRegenerationStarted:
		c.blockRegeneration(n.ConversationID, n.ParentID)
	case NoticeRegenerationComplete:
		c.releaseRegeneration(n.ConversationID, n.ParentID)
	case NoticeStreamStarted, NoticeStreamFinished:
		// Display-mode recomputation happens on the next Sync; these notices
		// exist for listeners that track live stream counts.
	}
}

func anyStreaming(group []Message) bool {
	for _, m := range group {
		if m.Streaming {
			return true
		}
	}
	return false
}
