// Package configs embeds the configuration template written by
// 'policyrag config init'.
package configs

import _ "embed"

// ConfigTemplate is the commented example configuration. It documents every
// setting with its default; uncomment a line to override it.
//
//go:embed config.example.yaml
var ConfigTemplate string
