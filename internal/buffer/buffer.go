// Package buffer holds the bounded, time-ordered point sequence that backs
// each live feed.
package buffer

import (
	"sort"

	"github.com/kjannette/marketdash/internal/models"
)

// DefaultMax is the retained length used when a caller does not set one.
const DefaultMax = 500

// Points is a bounded FIFO of points kept sorted ascending and unique by
// time. It is not safe for concurrent use; the owning subscription guards it.
type Points struct {
	max int
	pts []models.Point
}

func New(max int) *Points {
	if max <= 0 {
		max = DefaultMax
	}
	return &Points{max: max, pts: make([]models.Point, 0, max)}
}

func (b *Points) Max() int { return b.max }
func (b *Points) Len() int { return len(b.pts) }

// Insert merges one point. A point whose time is already present replaces
// the stored one. Returns how many old points were evicted.
func (b *Points) Insert(p models.Point) int {
	n := len(b.pts)
	switch {
	case n == 0 || b.pts[n-1].Time.Before(p.Time):
		b.pts = append(b.pts, p)
	case b.pts[n-1].Time.Equal(p.Time):
		b.pts[n-1] = p
		return 0
	default:
		i := sort.Search(n, func(i int) bool { return !b.pts[i].Time.Before(p.Time) })
		if b.pts[i].Time.Equal(p.Time) {
			b.pts[i] = p
			return 0
		}
		b.pts = append(b.pts, models.Point{})
		copy(b.pts[i+1:], b.pts[i:])
		b.pts[i] = p
	}
	return b.trim()
}

// Replace swaps the whole contents for pts, deduplicated, sorted and trimmed.
func (b *Points) Replace(pts []models.Point) {
	b.pts = Normalize(pts, b.max)
}

// Snapshot returns a copy safe to hand to readers.
func (b *Points) Snapshot() []models.Point {
	out := make([]models.Point, len(b.pts))
	copy(out, b.pts)
	return out
}

// Last returns the newest point.
func (b *Points) Last() (models.Point, bool) {
	if len(b.pts) == 0 {
		return models.Point{}, false
	}
	return b.pts[len(b.pts)-1], true
}

func (b *Points) trim() int {
	over := len(b.pts) - b.max
	if over <= 0 {
		return 0
	}
	// Shift in place; capacity stays at max+1 for the life of the stream.
	copy(b.pts, b.pts[over:])
	b.pts = b.pts[:b.max]
	return over
}

// Normalize returns a new slice sorted by time, with later duplicates
// winning, keeping only the newest max points.
func Normalize(pts []models.Point, max int) []models.Point {
	out := make([]models.Point, len(pts))
	copy(out, pts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	dedup := out[:0]
	for _, p := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Time.Equal(p.Time) {
			dedup[n-1] = p
			continue
		}
		dedup = append(dedup, p)
	}

	if max > 0 && len(dedup) > max {
		dedup = dedup[len(dedup)-max:]
	}
	res := make([]models.Point, len(dedup))
	copy(res, dedup)
	return res
}
