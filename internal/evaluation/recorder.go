// Package evaluation accumulates per-turn evaluations for one interview session.
package evaluation

import (
	"errors"
	"sort"
	"sync"

	"github.com/aura-interview/backend/internal/models"
)

// ErrDuplicateTurn is returned when a turn already has an evaluation.
var ErrDuplicateTurn = errors.New("turn already evaluated")

// Recorder keeps evaluations ordered by the candidate turn they judge, so an evaluation
// that resolves late still lands in its own slot. Safe for concurrent use.
type Recorder struct {
	mu    sync.RWMutex
	items []models.Evaluation
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record inserts an evaluation at the position given by its TurnSeq.
func (r *Recorder) Record(e models.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.items), func(i int) bool { return r.items[i].TurnSeq >= e.TurnSeq })
	if i < len(r.items) && r.items[i].TurnSeq == e.TurnSeq {
		return ErrDuplicateTurn
	}
	r.items = append(r.items, models.Evaluation{})
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = e
	return nil
}

// List returns a copy of the evaluations in turn order.
func (r *Recorder) List() []models.Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Evaluation, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of recorded evaluations.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
