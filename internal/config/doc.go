// Package config loads the ARGOS runtime configuration from YAML files and
// fills in the defaults the detection pipeline relies on.
package config
