// Package logx is the structured logging layer used across jobqueue.
//
// It wraps zerolog so that console output stays short (timestamp plus
// file:line caller) while file output stays JSON, and lets the daemon swap
// sinks on config reload without re-plumbing loggers.
package logx
