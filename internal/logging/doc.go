// Package logging centralizes slog construction and the standardized
// structured field vocabulary used across the engine. Runners and caches log
// through component loggers so every record carries a component tag and, when
// available, the job identifier driving the work.
package logging
