package reader

import (
	"flag"

	"github.com/grafana/elflayout/pkg/validation"
)

type Config struct {
	// Mmap maps files read by Open instead of reading them into memory.
	Mmap bool `yaml:"mmap"`
	// MaxResolveDepth bounds nested section reference resolution.
	MaxResolveDepth int `yaml:"max_resolve_depth"`
	// Strict turns every diagnostic into a parse error.
	Strict bool `yaml:"strict"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Mmap, "reader.mmap", true, "Memory map input files where the platform supports it.")
	f.IntVar(&cfg.MaxResolveDepth, "reader.max-resolve-depth", validation.DefaultMaxDepth, "Nesting limit when resolving section references.")
	f.BoolVar(&cfg.Strict, "reader.strict", false, "Reject files with any recoverable section problem.")
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return cfg
}
