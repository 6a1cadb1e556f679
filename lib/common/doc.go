// Package common holds the pieces shared by the CLI and the byte facade:
// the logger factory that plugs into dragonboat's logging facade, and the
// engine configuration that is bound to flags and environment variables.
//
// Key Components:
//
//   - EngineConfig: user facing engine parameters (storage, log geometry,
//     sessions, checkpoint format, log level). Options() converts it into
//     core.Options and String() renders it for the startup banner.
//
//   - Logger: InitLoggers installs a factory that prefixes every line with
//     the level and the package, and sets the level of all hKV package
//     loggers at once.
package common
