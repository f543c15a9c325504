package configs

import "embed"

// ProfileDefaults contains the shipped default session profiles.
//
//go:embed profiles/*.yaml
var ProfileDefaults embed.FS
