// Package config loads and validates the mailagent configuration file.
package config
