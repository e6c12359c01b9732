/*
Package log provides structured logging for the memory engine using zerolog.

A single package-level Logger is initialized once via Init and used from
every component (wal, reconciler, server, pipeline, ...) through the
With* helpers, which attach the field relevant to that component —
WithShard for per-shard reconcilers, WithConnection for server
goroutines, WithLSN/WithGeneration for WAL and ReadView events, WithTxn
for the 2PC coordinator.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	shardLog := log.WithShard(2)
	shardLog.Info().Uint64("generation", gen).Msg("published new read view")

JSONOutput selects JSON lines for production; otherwise a
zerolog.ConsoleWriter with RFC3339 timestamps is used, matching local
development output. Fatal exits the process (os.Exit(1)) and should only
be used for unrecoverable startup errors.
*/
package log
