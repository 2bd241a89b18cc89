// Package shaders embeds the canonical WGSL kernel set the pipeline
// cache loads by filename.
package shaders

import "embed"

//go:embed *.wgsl
var FS embed.FS
