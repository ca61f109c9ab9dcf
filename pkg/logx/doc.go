// Package logx configures pewcast's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator sink (min-level + rate limiting) that relays warnings
//     to a chat through whatever transport is active
package logx
