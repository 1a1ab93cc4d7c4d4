/*
Package config loads process configuration from environment variables.

All knobs are environment variables with defaults, processed into a single
Config struct at startup; a config that fails validation aborts boot with a
non-zero exit. An optional YAML seed file names workers to register before
the first service-registry refresh, plus missions whose rosters are pulled
during the startup rebuild.
*/
package config
