package handler

import "embed"

//go:embed web/index.html
var indexHTML string

//go:embed web/static
var staticFS embed.FS
