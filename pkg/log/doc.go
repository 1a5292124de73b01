/*
Package log provides structured logging for Roost using zerolog.

Init configures the global logger once at startup (level, JSON or
console output); packages then derive component loggers:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("host_id", id).Msg("reconcile pass complete")

Component loggers are plain zerolog.Logger values and are safe for
concurrent use. The package-level helpers (Infof, Errorf, ...) exist
for call sites without a component context, mainly in cmd.
*/
package log
