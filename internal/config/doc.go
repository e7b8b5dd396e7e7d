// Package config loads the escrow daemon configuration from a JSON file and
// fills in defaults for every section that was left empty. Relative paths are
// resolved against the directory holding the file.
package config
