package reader

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/elflayout/pkg/util"
	"github.com/grafana/elflayout/pkg/validation"
)

type metrics struct {
	files       *prometheus.CounterVec
	diagnostics *prometheus.CounterVec
	bytesRead   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		files: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elflayout_reader_files_total",
			Help: "Files parsed, by result.",
		}, []string{"result"})),
		diagnostics: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elflayout_reader_diagnostics_total",
			Help: "Recoverable section problems found while parsing, by class.",
		}, []string{"class"})),
		bytesRead: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elflayout_reader_bytes_total",
			Help: "Bytes of input parsed.",
		})),
	}
}

func (m *metrics) observe(f *File, size int, err error) {
	m.bytesRead.Add(float64(size))
	if err != nil {
		m.files.WithLabelValues(validation.ClassOf(err).String()).Inc()
		return
	}
	m.files.WithLabelValues("ok").Inc()
	for _, c := range []validation.Class{validation.Structural, validation.Capacity, validation.CrossReference, validation.Resource} {
		if n := f.Diagnostics.Count(c); n > 0 {
			m.diagnostics.WithLabelValues(c.String()).Add(float64(n))
		}
	}
}
