// Package config loads relay settings from built-in defaults, an optional
// JSON file and the environment, in that order.
package config
