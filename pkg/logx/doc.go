// Package logx wraps zerolog for bulkbot.
//
// Console output is human-readable with a short caller; the optional file
// sink writes JSON lines. Level and sinks can be swapped while running, which
// is how config reload changes verbosity without a restart.
package logx
