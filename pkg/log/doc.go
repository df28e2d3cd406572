/*
Package log provides structured logging for KohakuRiver using zerolog.

The package wraps zerolog to provide JSON or console structured logging with
component-specific child loggers and configurable levels. Host and runner
initialise it once in main via log.Init; everything else derives children:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("hostname", node.Hostname).Msg("Placed task")

Task ids are 64-bit; WithTaskID renders them as decimal strings so they
survive JSON consumers that truncate large integers. Call sites that add
task_id with Int64 log it as a JSON number.
*/
package log
