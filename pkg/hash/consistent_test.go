package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	r := New(3)

	masters := []string{"master1:4583", "master2:4583", "master3:4583"}
	for _, m := range masters {
		r.AddNode(m)
	}
	r.AddNode("master1:4583")

	require.Equal(t, 3, r.Len())
	assert.Equal(t, masters, r.GetNodes())

	primary := r.GetNode("admin")
	require.NotEmpty(t, primary)
	for i := 0; i < 10; i++ {
		assert.Equal(t, primary, r.GetNode("admin"), "GetNode should be stable")
	}

	r.RemoveNode(primary)
	assert.Equal(t, 2, r.Len())
	assert.NotEqual(t, primary, r.GetNode("admin"))
}

func TestRingSuccessors(t *testing.T) {
	r := New(50)
	for i := 1; i <= 4; i++ {
		r.AddNode(fmt.Sprintf("master%d:4583", i))
	}

	order := r.Successors("billing", 10)
	require.Len(t, order, 4)
	assert.Equal(t, r.GetNode("billing"), order[0])

	seen := map[string]bool{}
	for _, m := range order {
		assert.False(t, seen[m], "duplicate master %s", m)
		seen[m] = true
	}

	assert.Len(t, r.Successors("billing", 2), 2)
	assert.Nil(t, New(1).Successors("billing", 2))
}

func TestRingDistribution(t *testing.T) {
	r := New(150)
	for _, m := range []string{"master1:4583", "master2:4583", "master3:4583"} {
		r.AddNode(m)
	}

	distribution := make(map[string]int)
	for i := 0; i < 1000; i++ {
		distribution[r.GetNode(fmt.Sprintf("user_%d", i))]++
	}

	for node, count := range distribution {
		if count < 200 || count > 500 {
			t.Errorf("Poor distribution for master %s: %d identities", node, count)
		}
	}
}
