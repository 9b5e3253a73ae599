package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rlaisqls/ebpf-monitoring/symtab"
)

type Metrics struct {
	Symtab *symtab.Metrics

	UnexpectedErrors prometheus.Counter
	DroppedSamples   prometheus.Counter
	LostSamples      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Symtab: symtab.NewMetrics(reg),

		UnexpectedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ebpf_monitoring_session_unexpected_errors_total",
			Help: "Total number of unexpected errors for session",
		}),
		DroppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ebpf_monitoring_session_dropped_samples_total",
			Help: "Total number of samples dropped because their pid has no target",
		}),
		LostSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ebpf_monitoring_session_lost_samples_total",
			Help: "Total number of perf events lost because the ring buffer was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			res.UnexpectedErrors,
			res.DroppedSamples,
			res.LostSamples,
		)
	}
	return res
}
