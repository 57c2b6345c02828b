package scheduler

import (
	"fmt"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/store"
)

// Selector is the TaskSelector (§4.6): a FIFO ordering over waiting tasks.
// Document ids are monotonically increasing (store.NewID), so a plain
// bucket scan already yields creation order; Selector exists to make that
// contract explicit and to provide the re-check-on-use semantics a lazy
// sequence needs when documents mutate mid-iteration.
type Selector struct {
	store *store.Store
}

// NewSelector creates a Selector backed by st.
func NewSelector(st *store.Store) *Selector {
	return &Selector{store: st}
}

// Snapshot returns the ids of every currently-waiting task, oldest first.
// The caller must re-fetch each id before acting on it: by the time it is
// processed the task may have moved out of "waiting" (cancelled, or
// already claimed by a concurrent pass).
func (s *Selector) Snapshot() ([]string, error) {
	tasks, err := s.store.ListTasksByState(ccmodel.Waiting)
	if err != nil {
		return nil, fmt.Errorf("snapshot waiting tasks: %w", err)
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}
