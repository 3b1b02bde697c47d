package pipeline

import (
	"time"

	"github.com/getdozer/dozer/pkg/dconfig"
	"github.com/getdozer/dozer/pkg/metrics"
)

// Collector periodically samples a running Built pipeline's sources and
// endpoints into pkg/metrics's gauges, the way the teacher's own metrics
// Collector periodically sampled the cluster manager's node/service/task
// counts. Sampled here rather than updated inline at the call site because
// log position, reader count, and build lag are properties of a log or
// builder's current state, not events worth counting on every operation.
type Collector struct {
	built         *Built
	directSources map[string]string // endpoint name -> source name, when the endpoint reads directly from a Source
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewCollector builds a Collector for built, using cfg's Endpoint/Source
// names to determine which endpoints can report a build-lag sample (those
// reading directly from a Source rather than through a Transform chain).
func NewCollector(cfg *dconfig.Config, built *Built) *Collector {
	sourceNames := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sourceNames[s.Name] = true
	}
	direct := make(map[string]string)
	for _, ep := range cfg.Endpoints {
		if sourceNames[ep.Source] {
			direct[ep.Name] = ep.Source
		}
	}
	return &Collector{
		built:         built,
		directSources: direct,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins sampling every interval until Stop is called.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	for name, src := range c.built.Sources {
		tail := src.Log.Tail()
		metrics.LogPosition.WithLabelValues(name).Set(float64(tail))
		metrics.LogReadersTotal.WithLabelValues(name).Set(float64(src.Log.ReaderCount()))
	}

	for epName, builder := range c.built.Endpoints {
		srcName, ok := c.directSources[epName]
		if !ok {
			continue
		}
		src, ok := c.built.Sources[srcName]
		if !ok {
			continue
		}
		lag := int64(src.Log.Tail()) - int64(builder.NextLogPosition())
		if lag < 0 {
			lag = 0
		}
		metrics.CacheBuildLag.WithLabelValues(epName).Set(float64(lag))
	}
}
