// Package logx wraps zerolog behind a small structured-logging API.
//
// It provides:
//   - a Logger value type with With()-style derived fields
//   - a Service that owns the output sinks (console, file) and can swap
//     them at runtime when the config is hot-reloaded
//
// The zero Logger is a safe no-op, so components can hold one before the
// logging service exists.
package logx
