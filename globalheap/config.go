package globalheap

import "time"

// Config tunes the meshing driver. It carries no environment-variable
// parsing itself; that external-collaborator concern lives in the
// top-level facade package instead.
type Config struct {
	// MeshEnabled turns the background meshing driver on or off.
	MeshEnabled bool
	// MeshInterval is how often a meshing pass runs.
	MeshInterval time.Duration
	// SamplePerClass bounds how many extras-pool candidates a pass
	// inspects per size class.
	SamplePerClass int
	// MaxPairsPerPass bounds how many successful merges a single pass
	// performs across all size classes combined.
	MaxPairsPerPass int
}

// DefaultConfig runs a mesh pass every N seconds, sampling up to K
// candidates per size class and attempting up to M disjoint pairings per
// pass.
func DefaultConfig() Config {
	return Config{
		MeshEnabled:     true,
		MeshInterval:    10 * time.Second,
		SamplePerClass:  64,
		MaxPairsPerPass: 16,
	}
}
