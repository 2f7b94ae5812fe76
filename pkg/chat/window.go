package chat

// Window bounds which contiguous slice of an already-fetched transcript is
// exposed to the renderer. It is independent of the store; the offset is
// recomputed when pinned to the tail or when the transcript length changes.
type Window struct {
	// Start is the first visible index before overscan padding.
	Start int
	// Size is the number of visible entries.
	Size int
	// Overscan pads both ends of the returned slice for render smoothness
	// without affecting pinning or clamping.
	Overscan int
	// Pinned tracks transcript growth, keeping the tail in view.
	Pinned bool
}

// Clamp normalizes Start against the current transcript length: pinned
// windows snap to max(length-size, 0); unpinned windows are clamped into
// range but otherwise stable under append.
func (w *Window) Clamp(length int) {
	if w == nil {
		return
	}
	maxStart := length - w.Size
	if maxStart < 0 {
		maxStart = 0
	}
	if w.Pinned {
		w.Start = maxStart
		return
	}
	if w.Start > maxStart {
		w.Start = maxStart
	}
	if w.Start < 0 {
		w.Start = 0
	}
}

// Expand grows the window upward by up to k entries. It is O(k) and purely
// local; when the requested region is not resident the caller triggers a
// paged fetch first and calls Expand once the data lands. Expanding unpins
// the window.
func (w *Window) Expand(k int) {
	if w == nil || k <= 0 {
		return
	}
	w.Pinned = false
	moved := k
	if moved > w.Start {
		moved = w.Start
	}
	w.Start -= moved
	w.Size += moved
}

// AtStart reports whether the window already touches the head of the
// resident transcript, i.e. further expansion needs a server-side page.
func (w *Window) AtStart() bool {
	return w == nil || w.Start == 0
}

// Slice clamps the window against the transcript and returns the visible
// slice (overscan included) together with the index of its first element.
func (w *Window) Slice(transcript []Message) ([]Message, int) {
	if w == nil {
		return transcript, 0
	}
	w.Clamp(len(transcript))
	lo := w.Start - w.Overscan
	if lo < 0 {
		lo = 0
	}
	hi := w.Start + w.Size + w.Overscan
	if hi > len(transcript) {
		hi = len(transcript)
	}
	if lo > hi {
		lo = hi
	}
	return transcript[lo:hi], lo
}
