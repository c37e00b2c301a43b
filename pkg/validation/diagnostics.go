package validation

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Diagnostics collects recoverable findings for one file.
type Diagnostics struct {
	logger log.Logger
	file   string
	merr   *multierror.Error
	errs   []*Error
	counts map[Class]int
}

func NewDiagnostics(logger log.Logger, file string) *Diagnostics {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Diagnostics{
		logger: log.With(logger, "file", file),
		file:   file,
		counts: make(map[Class]int),
	}
}

// Report records err against the file. Unclassified errors are recorded as
// Resource findings.
func (d *Diagnostics) Report(err error) {
	if err == nil {
		return
	}
	var ve *Error
	if !errors.As(err, &ve) {
		ve = &Error{Class: Resource, Section: NoSection, Err: err}
	} else {
		c := *ve
		ve = &c
	}
	ve.File = d.file
	d.errs = append(d.errs, ve)
	d.counts[ve.Class]++
	d.merr = multierror.Append(d.merr, ve)

	logger := d.logger
	if ve.Section != NoSection {
		logger = log.With(logger, "section", ve.Name, "index", ve.Section)
	}
	level.Warn(logger).Log("msg", "section diagnostic", "class", ve.Class, "err", ve.Err)
}

// Add classifies err and reports it.
func (d *Diagnostics) Add(class Class, section uint32, name string, err error) {
	d.Report(Wrap(class, section, name, err))
}

func (d *Diagnostics) Len() int { return len(d.errs) }

func (d *Diagnostics) Count(c Class) int { return d.counts[c] }

// Errors returns the findings in report order.
func (d *Diagnostics) Errors() []*Error { return d.errs }

// Err returns all findings as one error, or nil.
func (d *Diagnostics) Err() error { return d.merr.ErrorOrNil() }

// Has reports whether any finding wraps target.
func (d *Diagnostics) Has(target error) bool {
	for _, e := range d.errs {
		if errors.Is(e, target) {
			return true
		}
	}
	return false
}
