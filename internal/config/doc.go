// Package config provides configuration loading and validation for the
// animation streaming service. Configuration is read from YAML; each section
// validates itself and fills defaults where a zero value is not meaningful.
package config
