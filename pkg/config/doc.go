// Package config defines the YAML configuration for the limiteron
// decision engine and its loading pipeline.
//
// Loading follows a fixed sequence: parse the YAML file, apply defaults
// for unset fields, apply LIMITERON_* environment variable overrides,
// and validate the final result. A FileWatcher can re-run the sequence
// on file changes; a reload producing an invalid configuration keeps the
// previous one.
package config
