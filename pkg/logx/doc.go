// Package logx is the trainer's logging layer: a zerolog-backed Logger with
// fixed fields, plus a Service that rebuilds outputs on config reload and can
// mirror warnings to a rate-limited sink.
package logx
