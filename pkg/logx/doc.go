// Package logx configures nprelay's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated
//   - An optional chat sink (min-level + rate limiting) so operators see
//     feed outages in the same channel the tracks are posted to
package logx
