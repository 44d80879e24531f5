// Package logx configures avisobot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional admin-chat sink (min-level + rate limiting) through the
//     bot's own transport
package logx
