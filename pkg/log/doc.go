/*
Package log provides structured logging for the ACS using zerolog.

Init configures the global Logger once at startup. Components derive child
loggers that carry identifying fields:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("sessions", n).Msg("Reaped idle sessions")

	slog := log.WithSessionID(deviceID, sessionID)
	slog.Debug().Str("rpc", "GetParameterValues").Msg("Sending RPC")

Session code logs with device_id and session_id so one CPE conversation can
be followed across requests. WithChannel adds the fault channel a message
refers to.

Output is JSON when Config.JSONOutput is set and a console writer otherwise.
Messages start with a capital letter; errors are attached with Err rather
than formatted into the message.
*/
package log
