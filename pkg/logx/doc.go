// Package logx configures ctfsentinel's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink that mirrors WARN+ lines to an operator chat
package logx
