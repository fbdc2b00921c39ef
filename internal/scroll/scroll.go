// Package scroll decides when the transcript view follows new messages.
package scroll

import "sync"

// DefaultThreshold is the distance from the bottom past which a user scroll
// unpins the view.
const DefaultThreshold = 100

// Mode is the follow state of the view.
type Mode int

const (
	Pinned Mode = iota
	Free
)

func (m Mode) String() string {
	if m == Free {
		return "free"
	}
	return "pinned"
}

// Controller is the pinned/free state machine. The zero value is not ready;
// use New.
type Controller struct {
	mu        sync.Mutex
	mode      Mode
	threshold int
	lastCount int
	unseen    int
}

// New returns a pinned controller. threshold <= 0 selects DefaultThreshold.
func New(threshold int) *Controller {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Controller{threshold: threshold}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Threshold() int {
	return c.threshold
}

// OnUserScroll handles a user-driven scroll that left the view distance
// units above the bottom. A scroll event never re-pins the view.
func (c *Controller) OnUserScroll(distance int) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Pinned && distance > c.threshold {
		c.mode = Free
	}
	return c.mode
}

// JumpToLatest re-pins the view and forgets unseen messages.
func (c *Controller) JumpToLatest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = Pinned
	c.unseen = 0
}

// OnContentChange records the new message count and reports whether the
// view must scroll to the bottom.
func (c *Controller) OnContentChange(count int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	grew := count > c.lastCount
	if grew && c.mode == Free {
		c.unseen += count - c.lastCount
	}
	c.lastCount = count
	return grew && c.mode == Pinned
}

// Unseen is the number of messages that arrived while the view was free.
func (c *Controller) Unseen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unseen
}
