// Package logging provides the leveled logging used throughout the
// transcoding engine.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// Messages are written through logrus with a text formatter. The level is
// configured via the LOG_LEVEL environment variable, or forced to debug with
// DEBUG=true.
package logging
