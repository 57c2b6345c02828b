package scheduler

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/store"
)

// Caching implements the "OneCachePerTaskNoDuplicates" CachingStrategy
// (§4.4): reuse a live DataContainer already holding one of the task's
// input files, and spawn at most one new DataContainer for the rest.
type Caching struct {
	store *store.Store
	lock  *sync.Mutex // data_container_lock (§5), shared across the Scheduler
	ramMB int64
}

// NewCaching creates a Caching strategy. lock must be the same
// data_container_lock instance the owning Scheduler holds, so that two
// concurrent scheduling passes never create duplicate DCs for the same
// input set. The data container's image is a fixed, globally configured
// one (config.DataContainerImage) the Worker pulls/creates from; Caching
// itself only charges ramMB against the node admission check.
func NewCaching(st *store.Store, lock *sync.Mutex, ramMB int64) *Caching {
	return &Caching{store: st, lock: lock, ramMB: ramMB}
}

// Apply assigns ac.DataContainerIDs for task's input files, reusing any
// live DataContainer (state in {created, waiting, processing}) that
// already holds the exact same input file connector, and creating a
// single new DataContainer for whatever remains unassigned. Returns the
// newly created DataContainer, or nil if every file was satisfied by
// reuse.
func (c *Caching) Apply(task ccmodel.Task, ac *ccmodel.ApplicationContainer) (*ccmodel.DataContainer, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(ac.DataContainerIDs) != len(task.InputFiles) {
		ac.DataContainerIDs = make([]string, len(task.InputFiles))
	}

	live, err := c.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return !dc.State.Terminal()
	})
	if err != nil {
		return nil, fmt.Errorf("list live data containers: %w", err)
	}

	var unassigned []ccmodel.Connector
	unassignedPositions := make([]int, 0, len(task.InputFiles))

	for i, f := range task.InputFiles {
		if ac.DataContainerIDs[i] != "" {
			continue
		}
		if dcID, ok := findReusable(live, f); ok {
			ac.DataContainerIDs[i] = dcID
			continue
		}
		unassigned = append(unassigned, f)
		unassignedPositions = append(unassignedPositions, i)
	}

	if len(unassigned) == 0 {
		return nil, nil
	}

	key, err := ccmodel.GenerateCallbackKey()
	if err != nil {
		return nil, err
	}
	inputFileKeys := make([]string, len(unassigned))
	for i := range unassigned {
		k, err := ccmodel.GenerateInputFileKey()
		if err != nil {
			return nil, err
		}
		inputFileKeys[i] = k
	}

	dc := ccmodel.DataContainer{
		Username:      task.Username,
		ContainerRAM:  c.ramMB,
		InputFiles:    unassigned,
		InputFileKeys: inputFileKeys,
		CallbackKey:   key,
	}
	dcID, err := c.store.InsertDataContainer(dc)
	if err != nil {
		return nil, fmt.Errorf("insert data container: %w", err)
	}
	dc.ID = dcID

	for _, pos := range unassignedPositions {
		ac.DataContainerIDs[pos] = dcID
	}

	return &dc, nil
}

func findReusable(live []ccmodel.DataContainer, f ccmodel.Connector) (string, bool) {
	for _, dc := range live {
		for _, have := range dc.InputFiles {
			if reflect.DeepEqual(have, f) {
				return dc.ID, true
			}
		}
	}
	return "", false
}
