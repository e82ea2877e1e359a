// Package config loads the libsys configuration from an optional libsys.yaml and LIBSYS_*
// environment variables, and builds the database connections, stores and telemetry
// providers the configuration describes.
package config
