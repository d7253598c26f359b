// Package tegrastats decodes lines emitted by the NVIDIA Jetson tegrastats
// utility into structured snapshots.
package tegrastats

import "time"

const (
	unitMB = "MB"
	unitMW = "mW"
)

// Snapshot is one decoded tegrastats line. Values are never mutated after
// Decode returns; callers that need a different timestamp use Stamp.
type Snapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	CapturedAt  time.Time            `json:"captured_at"`
	CPU         CPU                  `json:"cpu"`
	Memory      Memory               `json:"memory"`
	Temperature map[string]float64   `json:"temperature"`
	Power       map[string]PowerRail `json:"power"`
	GPU         GPU                  `json:"gpu"`
}

// CPU holds per-core readings in the order tegrastats printed them.
type CPU struct {
	Cores []Core `json:"cores"`
}

// Core is a single CPU core reading. ID is positional, not parsed.
type Core struct {
	ID    int `json:"id"`
	Usage int `json:"usage"`
	Freq  int `json:"freq"`
}

// Memory groups RAM and the optional SWAP segment.
type Memory struct {
	RAM  RAM   `json:"ram"`
	Swap *Swap `json:"swap,omitempty"`
}

// RAM usage in megabytes. Used may transiently exceed Total.
type RAM struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
	Unit  string `json:"unit"`
}

// Swap usage in megabytes.
type Swap struct {
	Used   uint64 `json:"used"`
	Total  uint64 `json:"total"`
	Cached uint64 `json:"cached"`
	Unit   string `json:"unit"`
}

// PowerRail is an instantaneous and average power reading in milliwatts.
type PowerRail struct {
	Current int    `json:"current"`
	Average int    `json:"average"`
	Unit    string `json:"unit"`
}

// GPU holds the GR3D engine load. Nil when the line had no GR3D_FREQ token.
type GPU struct {
	GR3DFreq *int `json:"gr3d_freq,omitempty"`
}

// Stamp returns a shallow copy with Timestamp set to at. Maps and slices are
// shared with the receiver and must not be modified.
func (s Snapshot) Stamp(at time.Time) Snapshot {
	s.Timestamp = at.UTC()
	return s
}

// HasSwap reports whether the SWAP segment was decoded.
func (s Snapshot) HasSwap() bool {
	return s.Memory.Swap != nil
}
