package scheduler

import (
	"fmt"
	"sort"
)

// NodeRAM is one node's current free-RAM snapshot, as computed by
// freeRAMSnapshot for a single scheduling pass.
type NodeRAM struct {
	Name    string
	FreeRAM int64
}

// Allocator is the AllocationStrategy (§4.5): picks a node from nodes with
// free_ram >= ramMB, or reports ok=false if none fits.
type Allocator func(nodes []NodeRAM, ramMB int64) (name string, ok bool)

// Binpack picks the candidate with the smallest free_ram (tightest fit),
// minimizing fragmentation left on any one node.
func Binpack(nodes []NodeRAM, ramMB int64) (string, bool) {
	return pick(nodes, ramMB, false)
}

// Spread picks the candidate with the largest free_ram, favoring even
// utilization across the cluster.
func Spread(nodes []NodeRAM, ramMB int64) (string, bool) {
	return pick(nodes, ramMB, true)
}

func pick(nodes []NodeRAM, ramMB int64, largest bool) (string, bool) {
	candidates := make([]NodeRAM, 0, len(nodes))
	for _, n := range nodes {
		if n.FreeRAM >= ramMB {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FreeRAM != candidates[j].FreeRAM {
			if largest {
				return candidates[i].FreeRAM > candidates[j].FreeRAM
			}
			return candidates[i].FreeRAM < candidates[j].FreeRAM
		}
		return candidates[i].Name < candidates[j].Name // deterministic tiebreak
	})
	return candidates[0].Name, true
}

// AllocatorByName resolves the config-selected allocation strategy name
// ("binpack" or "spread") to an Allocator.
func AllocatorByName(name string) (Allocator, error) {
	switch name {
	case "binpack":
		return Binpack, nil
	case "spread":
		return Spread, nil
	default:
		return nil, fmt.Errorf("scheduler: unknown allocation strategy %q", name)
	}
}

// fits reports whether a task with the given AC/DC RAM requirements can be
// admitted at all (§4.5 admission feasibility check). nodes must carry
// each node's total_ram, not its current free_ram: admission asks
// whether the cluster could *ever* host this task, not whether it has
// room right now — a momentarily-full cluster defers the task (it stays
// waiting for a later pass), it does not fail it.
//
// Ported directly from _is_task_fitting: the larger of the two
// requirements is placed first on whichever node can take it, then the
// smaller is checked against that same node's *remaining* total_ram
// (after the first requirement would occupy it) or, failing that, any
// node's full total_ram independently. This lets the pair share a node
// when possible and fall back to splitting across two nodes otherwise,
// without over- or under-stating feasibility the way two wholly
// independent checks would.
func fits(nodes []NodeRAM, acRAM, dcRAM int64) bool {
	first, second := acRAM, dcRAM
	if dcRAM > acRAM {
		first, second = dcRAM, acRAM
	}

	firstFitting := false
	secondFitting := false
	for _, n := range nodes {
		nodeRAM := n.FreeRAM
		if !firstFitting && first <= nodeRAM {
			firstFitting = true
			nodeRAM -= first
		}
		if !secondFitting && second <= nodeRAM {
			secondFitting = true
		}
		if firstFitting && secondFitting {
			return true
		}
	}
	return false
}
