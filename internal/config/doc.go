// Package config provides centralized configuration management for the
// OpenBrief daemon. It loads a single JSON file, fills in defaults relative
// to the file's directory, and exposes typed blocks for the server, data
// sources, notification channels, storage, and the run queue.
package config
