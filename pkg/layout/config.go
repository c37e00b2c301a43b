package layout

import (
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/elflayout/pkg/validation"
)

// CompressMode selects how unloaded debug sections are compressed.
type CompressMode string

const (
	CompressNone CompressMode = "none"
	// CompressZlib writes SHF_COMPRESSED sections with an ELF compression header.
	CompressZlib CompressMode = "zlib"
	// CompressZlibGNU writes .zdebug_* sections with the GNU "ZLIB" header.
	CompressZlibGNU CompressMode = "zlib-gnu"
)

func (m *CompressMode) String() string { return string(*m) }

func (m *CompressMode) Set(s string) error {
	switch CompressMode(s) {
	case CompressNone, CompressZlib, CompressZlibGNU:
		*m = CompressMode(s)
		return nil
	}
	return fmt.Errorf("unknown compression mode %q", s)
}

// Config controls a write.
type Config struct {
	// DemandPaged aligns loadable segments to the page size.
	DemandPaged bool `yaml:"demand_paged"`
	// PageSize overrides the target's maximum page size. Zero uses the target.
	PageSize uint64 `yaml:"page_size"`
	// IncludeHeaders lets the first loadable segment map the file and program headers.
	IncludeHeaders bool `yaml:"include_headers"`
	SeparateCode   bool `yaml:"separate_code"`

	AllowExtendedNumbering bool `yaml:"allow_extended_numbering"`
	GroupsResolved         bool `yaml:"groups_resolved"`
	ExtraProgramHeaders    int  `yaml:"extra_program_headers"`

	CompressDebugSections CompressMode `yaml:"compress_debug_sections"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.DemandPaged, "layout.demand-paged", true, "Align loadable segments so they can be mapped directly from file pages.")
	f.Uint64Var(&cfg.PageSize, "layout.page-size", 0, "Page size for demand-paged files. 0 uses the target's maximum page size.")
	f.BoolVar(&cfg.IncludeHeaders, "layout.include-headers", true, "Map the file and program headers in the first loadable segment when they fit.")
	f.BoolVar(&cfg.SeparateCode, "layout.separate-code", false, "Keep code and non-code sections in different loadable segments.")
	f.BoolVar(&cfg.AllowExtendedNumbering, "layout.allow-extended-numbering", true, "Allow files with 0xff00 or more sections.")
	f.BoolVar(&cfg.GroupsResolved, "layout.groups-resolved", false, "Number group sections in input order instead of first.")
	f.IntVar(&cfg.ExtraProgramHeaders, "layout.extra-program-headers", 0, "Additional program header slots to reserve.")
	cfg.CompressDebugSections = CompressNone
	f.Var(&cfg.CompressDebugSections, "layout.compress-debug-sections", "Compression for unloaded debug sections: none, zlib or zlib-gnu.")
}

func (cfg *Config) Validate() error {
	if err := validation.CheckAlign(cfg.PageSize); err != nil {
		return errors.Wrap(err, "page size")
	}
	if cfg.ExtraProgramHeaders < 0 {
		return errors.New("extra program headers must not be negative")
	}
	switch cfg.CompressDebugSections {
	case "", CompressNone, CompressZlib, CompressZlibGNU:
	default:
		return errors.Errorf("unknown compression mode %q", cfg.CompressDebugSections)
	}
	return nil
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return cfg
}

// LoadConfig reads a YAML document over the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode layout config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
