/*
Package log provides structured logging for Dozer using zerolog.

Log lines carry context fields for the endpoint, connection, and cache name they
concern, rather than bare strings, so every dataflow error can be traced back to
the endpoint and log position that produced it.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	epLog := log.WithEndpoint("orders")
	epLog.Info().Uint64("log_position", pos).Msg("commit applied")

	connLog := log.WithConnection("pg-main")
	connLog.Error().Err(err).Msg("connector reported a terminal error")

# Context loggers

  - WithComponent: generic component name (e.g. "cachebuilder", "dag")
  - WithEndpoint: endpoint name, for cache/query/log-position logs
  - WithConnection: upstream connection name, for connector/snapshot logs
  - WithCacheName: concrete cache name (an endpoint may alias several)
*/
package log
