// Package scripts holds the Risor extraction scripts, one per language
// under extract/. The CLI loads them from the embedded FS unless a scripts
// directory is given.
package scripts

import "embed"

//go:embed extract/*.risor
var FS embed.FS
