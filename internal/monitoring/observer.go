package monitoring

import (
	"strconv"
	"time"
)

// Observer feeds render lifecycle signals into the metrics collector. It
// satisfies render.Observer.
type Observer struct {
	metrics *Metrics
}

// NewObserver creates an observer backed by the given collector.
func NewObserver(metrics *Metrics) *Observer {
	return &Observer{metrics: metrics}
}

func (o *Observer) VisitStarted() {}

func (o *Observer) VisitFinished(status int, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RendersTotal.WithLabelValues(strconv.Itoa(status), outcome).Inc()
	o.metrics.RenderDuration.Observe(duration.Seconds())
}

func (o *Observer) InstanceBooted() {
	o.metrics.InstanceBoots.Inc()
}

func (o *Observer) DeadlineExceeded() {
	o.metrics.DeadlineKills.Inc()
}

func (o *Observer) PoolWait(d time.Duration) {
	o.metrics.PoolWaitSeconds.Observe(d.Seconds())
}
