package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/preview-tender/telemetry"
)

// DefaultHandledCapacity bounds how many replied message ids are remembered.
const DefaultHandledCapacity = 50000

// HandledSet remembers message ids that already received a preview reply.
// Once full, the oldest ids are forgotten; an edit to a forgotten message
// would be answered again.
type HandledSet struct {
	ids *lru.Cache[string, struct{}]
}

// NewHandledSet returns a set holding at most capacity ids.
func NewHandledSet(capacity int) (*HandledSet, error) {
	if capacity <= 0 {
		capacity = DefaultHandledCapacity
	}
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &HandledSet{ids: c}, nil
}

// Contains reports whether id was marked. It does not refresh the entry.
func (h *HandledSet) Contains(id string) bool {
	return h.ids.Contains(id)
}

// Mark records id as replied.
func (h *HandledSet) Mark(id string) {
	h.ids.Add(id, struct{}{})
	telemetry.SetHandledSetSize(h.ids.Len())
}

// Len returns the number of remembered ids.
func (h *HandledSet) Len() int {
	return h.ids.Len()
}
