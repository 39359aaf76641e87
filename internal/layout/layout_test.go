package layout

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/inventory"
)

func TestComputeEmpty(t *testing.T) {
	l := Compute(nil, 800, 600)
	assert.Empty(t, l.Bubbles)
	assert.Empty(t, l.Markers)

	_, hit := l.Hit(400, 300)
	assert.False(t, hit)
}

func TestComputeSingleHost(t *testing.T) {
	l := Compute(map[string][]string{"10.0.0.0/24": {"host_10.0.0.5"}}, 800, 600)

	require.Len(t, l.Bubbles, 1)
	assert.Equal(t, Rect{X0: 25, Y0: 25, X1: 387.5, Y1: 575}, l.Bubbles[0].Bounds)
	assert.Equal(t, 206.25, l.Bubbles[0].TitleX)
	assert.Equal(t, 41.0, l.Bubbles[0].TitleY)

	require.Len(t, l.Markers, 1)
	assert.Equal(t, Marker{HostID: "host_10.0.0.5", Network: "10.0.0.0/24", X: 206.25, Y: 307.5, Radius: 28}, l.Markers[0])
}

func TestComputeHostGrid(t *testing.T) {
	members := []string{"a", "b", "c", "d"}
	l := Compute(map[string][]string{"10.0.0.0/24": members}, 800, 600)

	require.Len(t, l.Markers, 4)
	for i, id := range members {
		assert.Equal(t, id, l.Markers[i].HostID, "members keep their order")
	}
	assert.Equal(t, 125.625, l.Markers[0].X)
	assert.Equal(t, 286.875, l.Markers[1].X)
	assert.Equal(t, l.Markers[0].X, l.Markers[2].X)
	assert.Equal(t, 183.75, l.Markers[0].Y)
	assert.Equal(t, 431.25, l.Markers[2].Y)
}

func TestComputeNetworkGrid(t *testing.T) {
	networks := map[string][]string{
		"192.168.1.0/24": {"h3"},
		"10.0.0.0/24":    {"h1"},
		"unknown":        {"h4"},
		"172.16.0.0/24":  {"h2"},
	}
	l := Compute(networks, 800, 600)

	require.Len(t, l.Bubbles, 4)
	got := make([]string, 0, len(l.Bubbles))
	for _, b := range l.Bubbles {
		got = append(got, b.Network)
	}
	assert.Equal(t, []string{"10.0.0.0/24", "172.16.0.0/24", "192.168.1.0/24", "unknown"}, got)

	// ceil(sqrt(4*800/600)) = 3 columns, 2 rows.
	assert.Equal(t, l.Bubbles[0].Bounds.Y0, l.Bubbles[2].Bounds.Y0)
	assert.Greater(t, l.Bubbles[3].Bounds.Y0, l.Bubbles[0].Bounds.Y0)
	assert.Equal(t, l.Bubbles[0].Bounds.X0, l.Bubbles[3].Bounds.X0)
}

func TestComputeClampsCanvas(t *testing.T) {
	l := Compute(map[string][]string{"n": {"a"}}, 100, 50)
	assert.Equal(t, MinWidth, l.Width)
	assert.Equal(t, MinHeight, l.Height)
	assert.Equal(t, Compute(map[string][]string{"n": {"a"}}, MinWidth, MinHeight), l)
}

func TestComputeEmptyNetwork(t *testing.T) {
	l := Compute(map[string][]string{"n": nil}, 800, 600)
	assert.Len(t, l.Bubbles, 1)
	assert.Empty(t, l.Markers)
}

func TestComputeIsDeterministic(t *testing.T) {
	networks := map[string][]string{}
	for n := 0; n < 7; n++ {
		net := fmt.Sprintf("10.0.%d.0/24", n)
		for h := 0; h <= n*3; h++ {
			networks[net] = append(networks[net], fmt.Sprintf("host_10.0.%d.%d", n, h))
		}
	}

	first := Compute(networks, 1280, 720)
	second := Compute(networks, 1280, 720)
	assert.Equal(t, first, second)
}

func TestRadius(t *testing.T) {
	assert.Equal(t, 28.0, Radius(500, 500))
	assert.Equal(t, 10.0, Radius(20, 500))
	assert.InDelta(t, 14.0, Radius(50, 60), 1e-9)
}

func TestHit(t *testing.T) {
	members := make([]string, 100)
	for i := range members {
		members[i] = fmt.Sprintf("h%02d", i)
	}
	l := Compute(map[string][]string{"n": members}, 800, 600)

	m0, ok := l.Marker("h00")
	require.True(t, ok)
	m1, ok := l.Marker("h01")
	require.True(t, ok)
	assert.Equal(t, 10.0, m0.Radius)

	t.Run("every center hits its marker", func(t *testing.T) {
		for _, m := range l.Markers {
			got, ok := l.Hit(m.X, m.Y)
			require.True(t, ok)
			assert.Equal(t, m.HostID, got.HostID)
		}
	})

	t.Run("nearest marker wins inside overlapping slop", func(t *testing.T) {
		gap := m1.X - m0.X

		got, ok := l.Hit(m0.X+gap/2-1, m0.Y)
		require.True(t, ok)
		assert.Equal(t, "h00", got.HostID)

		got, ok = l.Hit(m0.X+gap/2+1, m0.Y)
		require.True(t, ok)
		assert.Equal(t, "h01", got.HostID)
	})

	t.Run("slop boundary", func(t *testing.T) {
		_, ok := l.Hit(m0.X-m0.Radius-HitSlop, m0.Y)
		assert.True(t, ok)

		_, ok = l.Hit(m0.X-m0.Radius-HitSlop-0.5, m0.Y)
		assert.False(t, ok)
	})

	_, ok = l.Marker("missing")
	assert.False(t, ok)
}

func TestStyleFor(t *testing.T) {
	assert.Equal(t, "#0078d4", StyleFor(inventory.OSWindows).Fill)
	assert.Equal(t, StyleFor(inventory.OSUnknown), StyleFor(inventory.OSTag("amiga")))
}
