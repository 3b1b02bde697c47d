package health

import (
	"context"
	"fmt"
	"time"

	"github.com/getdozer/dozer/pkg/metrics"
)

// Monitor runs one Checker per named component on its own interval and
// mirrors the result into pkg/metrics's component health registry, so the
// /health and /ready HTTP endpoints reflect upstream connector and sink
// reachability rather than only process liveness.
type Monitor struct {
	checks map[string]namedCheck
	stopCh chan struct{}
	doneCh chan struct{}
}

type namedCheck struct {
	checker Checker
	config  Config
	status  *Status
}

// NewMonitor creates an empty Monitor; components are added with Add before
// Start.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]namedCheck),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Add registers a checker under name, using config's Interval/Retries to
// drive its check loop. Name matches what metrics.RegisterComponent shows
// on /health.
func (m *Monitor) Add(name string, checker Checker, config Config) {
	m.checks[name] = namedCheck{checker: checker, config: config, status: NewStatus()}
	metrics.RegisterComponent(name, true, "pending first check")
}

// Start runs every registered check on its own ticker until Stop is called.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts every check loop and waits for them to return.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	if len(m.checks) == 0 {
		return
	}

	type scheduled struct {
		name   string
		check  namedCheck
		ticker *time.Ticker
	}
	var schedule []scheduled
	for name, c := range m.checks {
		m.runOnce(name, c)
		interval := c.config.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		schedule = append(schedule, scheduled{name: name, check: c, ticker: time.NewTicker(interval)})
	}
	defer func() {
		for _, s := range schedule {
			s.ticker.Stop()
		}
	}()

	for _, s := range schedule {
		go func(s scheduled) {
			for {
				select {
				case <-s.ticker.C:
					m.runOnce(s.name, s.check)
				case <-m.stopCh:
					return
				}
			}
		}(s)
	}
	<-m.stopCh
}

func (m *Monitor) runOnce(name string, c namedCheck) {
	if c.status.InStartPeriod(c.config) {
		return
	}
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := c.checker.Check(ctx)
	c.status.Update(result, c.config)
	metrics.UpdateComponent(name, c.status.Healthy, fmt.Sprintf("%s (%s)", result.Message, c.checker.Type()))
}
