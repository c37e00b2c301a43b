package layout

import (
	"github.com/go-kit/log"

	"github.com/grafana/elflayout/pkg/target"
)

type options struct {
	logger     log.Logger
	policy     target.Policy
	compressor Compressor
}

type Option func(*options)

// WithLogger overrides the context logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPolicy overrides the machine policy chosen from Object.Machine.
func WithPolicy(p target.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCompressor overrides the zlib compressor used for debug sections.
func WithCompressor(c Compressor) Option {
	return func(o *options) { o.compressor = c }
}
