// Package layout places networks and hosts on a 2D canvas. Networks become a
// grid of bubbles and each bubble holds a grid of host markers.
//
// Compute is a pure function of its inputs, so identical arguments produce
// identical placements.
package layout

import (
	"math"
	"sort"

	"github.com/anstrom/reconmap/internal/inventory"
)

const (
	// MinWidth and MinHeight clamp the canvas.
	MinWidth  = 600.0
	MinHeight = 400.0

	// Margin separates bubbles from each other and from the canvas edge.
	Margin = 25.0

	innerMargin = 20.0
	titleOffset = 35.0
	titleY      = 16.0
	minArea     = 10.0

	radiusFactor = 0.28
	minRadius    = 10.0
	maxRadius    = 28.0

	// HitSlop widens markers for pointer hit testing.
	HitSlop = 8.0
)

// Rect is an axis aligned rectangle.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Bubble is the frame drawn for one network.
type Bubble struct {
	Network string  `json:"network"`
	Bounds  Rect    `json:"bounds"`
	TitleX  float64 `json:"title_x"`
	TitleY  float64 `json:"title_y"`
}

// Marker is the circle drawn for one host.
type Marker struct {
	HostID  string  `json:"host_id"`
	Network string  `json:"network"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Radius  float64 `json:"radius"`
}

// Layout is a computed placement.
type Layout struct {
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Bubbles []Bubble `json:"bubbles"`
	Markers []Marker `json:"markers"`
}

// Compute lays out networks, given as network id to ordered member ids, on a
// canvas of the given size. Networks are placed in sorted order and members
// keep their order within a bubble.
func Compute(networks map[string][]string, width, height float64) *Layout {
	w := math.Max(width, MinWidth)
	h := math.Max(height, MinHeight)
	out := &Layout{Width: w, Height: h, Bubbles: []Bubble{}, Markers: []Marker{}}
	if len(networks) == 0 {
		return out
	}

	ids := make([]string, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := float64(len(ids))
	cols := math.Max(1, math.Ceil(math.Sqrt(n*w/h)))
	rows := math.Max(1, math.Ceil(n/cols))

	bubbleW := (w - Margin*(cols+1)) / cols
	bubbleH := (h - Margin*(rows+1)) / rows

	for idx, id := range ids {
		row := float64(idx / int(cols))
		col := float64(idx % int(cols))

		x0 := Margin + col*(bubbleW+Margin)
		y0 := Margin + row*(bubbleH+Margin)
		bounds := Rect{X0: x0, Y0: y0, X1: x0 + bubbleW, Y1: y0 + bubbleH}

		out.Bubbles = append(out.Bubbles, Bubble{
			Network: id,
			Bounds:  bounds,
			TitleX:  (bounds.X0 + bounds.X1) / 2,
			TitleY:  bounds.Y0 + titleY,
		})
		out.Markers = append(out.Markers, placeHosts(id, networks[id], bounds)...)
	}
	return out
}

func placeHosts(network string, members []string, b Rect) []Marker {
	if len(members) == 0 {
		return nil
	}

	hx0 := b.X0 + innerMargin
	hy0 := b.Y0 + titleOffset
	areaW := math.Max(b.X1-innerMargin-hx0, minArea)
	areaH := math.Max(b.Y1-innerMargin-hy0, minArea)

	count := float64(len(members))
	cols := math.Max(1, math.Ceil(math.Sqrt(count)))
	rows := math.Max(1, math.Ceil(count/cols))

	cellW := areaW / cols
	cellH := areaH / rows
	radius := Radius(cellW, cellH)

	markers := make([]Marker, 0, len(members))
	for i, hostID := range members {
		hrow := float64(i / int(cols))
		hcol := float64(i % int(cols))
		markers = append(markers, Marker{
			HostID:  hostID,
			Network: network,
			X:       hx0 + (hcol+0.5)*cellW,
			Y:       hy0 + (hrow+0.5)*cellH,
			Radius:  radius,
		})
	}
	return markers
}

// Radius sizes a marker for a cell: 28% of the shorter side, kept within
// [10, 28].
func Radius(cellW, cellH float64) float64 {
	r := math.Min(cellW, cellH) * radiusFactor
	return math.Min(math.Max(r, minRadius), maxRadius)
}

// Hit returns the marker nearest to (x, y) among those whose radius plus
// HitSlop reaches the point.
func (l *Layout) Hit(x, y float64) (Marker, bool) {
	var (
		best  Marker
		found bool
		bestD = math.Inf(1)
	)
	for _, m := range l.Markers {
		d := math.Hypot(x-m.X, y-m.Y)
		if d <= m.Radius+HitSlop && d < bestD {
			best, bestD, found = m, d, true
		}
	}
	return best, found
}

// Marker looks up the marker of a host.
func (l *Layout) Marker(hostID string) (Marker, bool) {
	for _, m := range l.Markers {
		if m.HostID == hostID {
			return m, true
		}
	}
	return Marker{}, false
}

// Style is the suggested marker palette for an OS family.
type Style struct {
	Fill    string `json:"fill"`
	Outline string `json:"outline"`
}

var styles = map[inventory.OSTag]Style{
	inventory.OSWindows: {Fill: "#0078d4", Outline: "#004578"},
	inventory.OSLinux:   {Fill: "#f5a623", Outline: "#c47d10"},
	inventory.OSMacOS:   {Fill: "#a0a0a0", Outline: "#707070"},
	inventory.OSBSD:     {Fill: "#9b59b6", Outline: "#6c3483"},
	inventory.OSNetwork: {Fill: "#2ecc71", Outline: "#1a9c53"},
	inventory.OSUnknown: {Fill: "#00bfff", Outline: "#00a2ff"},
}

// StyleFor returns the palette entry for tag, falling back to unknown.
func StyleFor(tag inventory.OSTag) Style {
	if s, ok := styles[tag]; ok {
		return s
	}
	return styles[inventory.OSUnknown]
}
