// Package logx configures cordkit's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat-channel sink (min-level + rate limiting), delivered
//     through the REST client so operators see warnings where they chat
package logx
