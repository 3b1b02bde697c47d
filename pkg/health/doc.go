/*
Package health provides reachability checks for Dozer's external
collaborators: source connections (Postgres, MongoDB, S3) and sink/webhook
destinations. Unlike pkg/api's endpoint registry, which tracks whether an
endpoint's cache generation is caught up with the oplog, this package
answers a different question: is the thing on the other end of the wire
actually reachable right now.

This package implements two types of checks, HTTP and TCP, run on a
schedule by Monitor and mirrored into pkg/metrics's component registry so
the /health and /ready HTTP endpoints cmd/dozer serves reflect live
connector and sink reachability, not only process liveness.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                         Monitor                              │
	└─────┬──────────────────────────────────────────────────────┘
	      │  one ticker per named component
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┐
	    ▼           ▼
	┌────────┐  ┌──────┐
	│  HTTP  │  │ TCP  │
	│Checker │  │Checker│
	└────────┘  └──────┘
	     │          │
	     ▼          ▼
	  GET /      Connect
	  /health     :port

## Check Flow

 1. cmd/dozer registers a Checker per connection/sink with Monitor.Add
 2. Monitor runs each check immediately, then on its own Interval ticker
 3. If a check fails: Status.ConsecutiveFailures increments
 4. If failures >= Retries: the component flips unhealthy in pkg/metrics
 5. /health and /ready reflect the flip for operators and orchestrators

# Check Types

## HTTP Checks

HTTP checks perform HTTP requests to verify a sink or webhook destination
is reachable:

	Check Type: HTTP
	Configuration:
	├── URL: https://sink.internal/health
	├── Method: GET, POST, HEAD
	├── Headers: Custom HTTP headers
	├── Expected Status: 200-399 (configurable)
	└── Timeout: 10 seconds

Example outcomes:
  - 200 OK → Healthy
  - 503 Service Unavailable → Unhealthy
  - Connection timeout → Unhealthy
  - Connection refused → Unhealthy

## TCP Checks

TCP checks verify that a source database's port is listening and accepting
connections, without authenticating or running a query:

	Check Type: TCP
	Configuration:
	├── Address: db.internal:5432
	├── Timeout: 5 seconds
	└── Connection test only (no data sent)

Use cases:
  - Postgres and MongoDB connection reachability
  - Any upstream with a plain TCP listener

# Core Components

## Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Monitor doesn't need to know the check type, just calls Check and
interprets the Result.

## Result

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Status

Status tracks a component's health over time and implements hysteresis -
multiple consecutive failures required before flipping unhealthy, so a
single dropped connection doesn't flap a component's reported status.

	type Status struct {
		ConsecutiveFailures  int
		ConsecutiveSuccesses int
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool
		StartedAt            time.Time
	}

## Config

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period before judging a new connector
	}

StartPeriod matters for a source connector that's still running its
initial snapshot: give it time before a slow first reachability check
counts against it.

# Usage

	mon := health.NewMonitor()
	mon.Add("postgres:orders", health.NewTCPChecker("db.internal:5432"), health.DefaultConfig())
	mon.Add("sink:webhook", health.NewHTTPChecker("https://sink.internal/health"), health.DefaultConfig())
	mon.Start()
	defer mon.Stop()

Each Add call registers the component with pkg/metrics immediately, so
/health reports every known component even before its first check runs.

## HTTP Health Check

	checker := health.NewHTTPChecker("https://sink.internal/health")
	checker.WithMethod("GET").
		WithHeader("User-Agent", "Dozer-Health/1.0").
		WithStatusRange(200, 299).
		WithTimeout(5 * time.Second)

	result := checker.Check(context.Background())
	if result.Healthy {
		fmt.Printf("sink reachable: %s (took %v)\n", result.Message, result.Duration)
	}

## TCP Health Check

	checker := health.NewTCPChecker("db.internal:5432")
	checker.WithTimeout(3 * time.Second)

	result := checker.Check(context.Background())
	if !result.Healthy {
		fmt.Printf("postgres unreachable: %s\n", result.Message)
	}

## Status Tracking Loop

	status := health.NewStatus()
	config := health.Config{Interval: 10 * time.Second, Timeout: 5 * time.Second, Retries: 3, StartPeriod: 30 * time.Second}
	checker := health.NewTCPChecker("db.internal:5432")

	for {
		if status.InStartPeriod(config) {
			time.Sleep(config.Interval)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, config)
		if !status.Healthy {
			fmt.Printf("unreachable after %d failures\n", status.ConsecutiveFailures)
		}
		time.Sleep(config.Interval)
	}

Monitor implements this loop per component so cmd/dozer doesn't have to.

# Design Patterns

## Strategy Pattern

	Checker (interface)
	├── HTTPChecker (HTTP strategy)
	└── TCPChecker (TCP strategy)

## Builder Pattern

Checkers use fluent builders for optional configuration:

	checker := NewHTTPChecker(url).
		WithMethod("POST").
		WithHeader("Auth", "token").
		WithTimeout(5 * time.Second)

## Hysteresis Pattern

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy!

	Unhealthy → 1 success → Healthy!

## Context-Based Cancellation

All checks respect context deadlines:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := checker.Check(ctx)

# Recommended Check Intervals

  - HTTP (sink/webhook reachability): 10-30 seconds
  - TCP (source connection reachability): 5-15 seconds

# Troubleshooting

## False Positive Failures

If a reachable source or sink is reported unhealthy:

 1. Check timeout settings - is the timeout too short for network latency?
 2. Check retry count - Retries = 1 is sensitive to transients; 3 is the
    recommended default.
 3. Check StartPeriod - does the connector need more time to complete its
    initial snapshot before checks start counting against it?

## Checks Not Running

 1. Verify Monitor.Add was called for the component and Monitor.Start was
    called.
 2. Check cmd/dozer's logs for connector/sink construction errors.
 3. Confirm network reachability independently (telnet/curl) before
    assuming the checker itself is broken.

# Security Considerations

  - Sink/webhook health endpoints should not require authentication for a
    plain liveness probe, and should not leak internal topology.
  - Run health checks against internal networks only.

# See Also

  - pkg/connector - the source connectors this package checks reachability for
  - pkg/sink - the destinations an HTTPChecker verifies for a broker/webhook sink
  - pkg/metrics - the component registry /health and /ready read from
*/
package health
