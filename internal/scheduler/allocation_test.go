package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinpackPicksTightestFit(t *testing.T) {
	nodes := []NodeRAM{
		{Name: "big", FreeRAM: 8192},
		{Name: "small", FreeRAM: 1024},
		{Name: "medium", FreeRAM: 2048},
	}
	name, ok := Binpack(nodes, 512)
	require.True(t, ok)
	assert.Equal(t, "small", name)
}

func TestSpreadPicksLoosestFit(t *testing.T) {
	nodes := []NodeRAM{
		{Name: "big", FreeRAM: 8192},
		{Name: "small", FreeRAM: 1024},
		{Name: "medium", FreeRAM: 2048},
	}
	name, ok := Spread(nodes, 512)
	require.True(t, ok)
	assert.Equal(t, "big", name)
}

func TestPickReturnsNotOkWhenNothingFits(t *testing.T) {
	nodes := []NodeRAM{{Name: "only", FreeRAM: 256}}
	_, ok := Binpack(nodes, 512)
	assert.False(t, ok)
	_, ok = Spread(nodes, 512)
	assert.False(t, ok)
}

func TestPickTiebreaksOnNameDeterministically(t *testing.T) {
	nodes := []NodeRAM{
		{Name: "zeta", FreeRAM: 1024},
		{Name: "alpha", FreeRAM: 1024},
	}
	name, ok := Binpack(nodes, 512)
	require.True(t, ok)
	assert.Equal(t, "alpha", name)
}

func TestAllocatorByName(t *testing.T) {
	if _, err := AllocatorByName("binpack"); err != nil {
		t.Errorf("binpack should resolve: %v", err)
	}
	if _, err := AllocatorByName("spread"); err != nil {
		t.Errorf("spread should resolve: %v", err)
	}
	if _, err := AllocatorByName("yolo"); err == nil {
		t.Error("unknown strategy name should error")
	}
}

func TestFitsRequiresBothACAndDCSatisfiableSomewhere(t *testing.T) {
	// fits is called against total_ram, not free_ram (§4.5), but the
	// greedy max/min check it runs is agnostic to which RAM figure it's
	// handed — these cases exercise the algorithm itself.
	nodes := []NodeRAM{
		{Name: "a", FreeRAM: 1000},
		{Name: "b", FreeRAM: 300},
	}
	assert.True(t, fits(nodes, 900, 300), "AC(900) fits a, leaving 100; DC(300) fits b independently")
	assert.False(t, fits(nodes, 900, 400), "no node has 400 free for the DC once the AC(900) claims a")
	assert.False(t, fits(nodes, 2000, 0), "no node has 2000 for the AC")
	assert.True(t, fits(nodes, 900, 0), "no-cache task only needs the AC to fit")
}

func TestFitsCoLocatesWhenOneNodeMustHostBoth(t *testing.T) {
	// A single node large enough for the AC and the DC individually, but
	// not both at once: the greedy check must require them to share it,
	// since there is nowhere else to split them across.
	nodes := []NodeRAM{{Name: "only", FreeRAM: 300}}
	assert.True(t, fits(nodes, 200, 100), "200+100 == 300 co-locates exactly")
	assert.False(t, fits(nodes, 256, 256), "256+256 > 300, no second node to split across")
}
