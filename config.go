package meshalloc

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/meshalloc/meshalloc/globalheap"
)

// Config holds the meshing driver's tunables as environment-variable glue;
// parsing them is this package's job, not globalheap's.
type Config struct {
	MeshEnabled     bool          `env:"MESH_ENABLED" envDefault:"true"`
	MeshInterval    time.Duration `env:"MESH_INTERVAL" envDefault:"10s"`
	SamplePerClass  int           `env:"MESH_SAMPLE_PER_CLASS" envDefault:"64"`
	MaxPairsPerPass int           `env:"MESH_MAX_PAIRS_PER_PASS" envDefault:"16"`
}

// DefaultConfig returns the configuration New uses when no Option
// overrides it.
func DefaultConfig() Config {
	d := globalheap.DefaultConfig()
	return Config{
		MeshEnabled:     d.MeshEnabled,
		MeshInterval:    d.MeshInterval,
		SamplePerClass:  d.SamplePerClass,
		MaxPairsPerPass: d.MaxPairsPerPass,
	}
}

// LoadConfig parses Config from the process environment, starting from
// DefaultConfig and overriding whatever MESH_* variables are set.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("meshalloc: parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) toGlobalHeapConfig() globalheap.Config {
	return globalheap.Config{
		MeshEnabled:     c.MeshEnabled,
		MeshInterval:    c.MeshInterval,
		SamplePerClass:  c.SamplePerClass,
		MaxPairsPerPass: c.MaxPairsPerPass,
	}
}
