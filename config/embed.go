// Package config embeds the default Parley configuration.
package config

import (
	_ "embed"
)

// DefaultConfigYAML is the built-in configuration. Every file or environment
// override is applied on top of it, and `parley config create` writes it out.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
