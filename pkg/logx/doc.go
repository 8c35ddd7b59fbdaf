// Package logx configures patchwatch's structured logging.
//
// A small Logger value wraps zerolog so components can carry fixed fields
// (comp=..., rid=...) without holding a pointer to the sink setup:
//   - Console output stays readable (short timestamp + file:line caller)
//   - File output is JSON, one event per line
//   - Warnings and errors can be mirrored to a Telegram chat (min-level + rate limit)
package logx
