package layout

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/elflayout/pkg/util"
	"github.com/grafana/elflayout/pkg/validation"
)

type metrics struct {
	layouts            *prometheus.CounterVec
	sections           prometheus.Histogram
	programHeaders     prometheus.Histogram
	compressedSections prometheus.Counter
	headerPasses       *prometheus.CounterVec
	duration           prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		layouts: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elflayout_layouts_total",
			Help: "Layouts computed, by result.",
		}, []string{"result"})),
		sections: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elflayout_layout_sections",
			Help:    "Section headers per computed layout.",
			Buckets: prometheus.ExponentialBuckets(4, 4, 8),
		})),
		programHeaders: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elflayout_layout_program_headers",
			Help:    "Program headers per computed layout.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		})),
		compressedSections: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elflayout_compressed_sections_total",
			Help: "Debug sections compressed while laying out.",
		})),
		headerPasses: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elflayout_header_passes_total",
			Help: "Adjustments made when the program header count exceeded its estimate.",
		}, []string{"kind"})),
		duration: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elflayout_layout_duration_seconds",
			Help:    "Time spent computing a layout.",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

func (m *metrics) observe(l *Layout, err error) {
	if err != nil {
		m.layouts.WithLabelValues(validation.ClassOf(err).String()).Inc()
		return
	}
	m.layouts.WithLabelValues("ok").Inc()
	m.sections.Observe(float64(len(l.Sections)))
	m.programHeaders.Observe(float64(len(l.Segments)))
}
