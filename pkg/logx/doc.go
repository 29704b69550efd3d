// Package logx is the structured logging layer used across atmo.
//
// It wraps zerolog behind a small value type (Logger) so components can carry
// fixed fields without importing zerolog directly. A Service owns the actual
// sinks and can be reconfigured at runtime:
//   - console output with a short timestamp and file:line caller
//   - JSON lines appended to a file
//   - an optional alert sink that receives WARN+ records, rate limited
package logx
