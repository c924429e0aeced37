package web

import "embed"

// FS holds the monitor page.
//
//go:embed *.html *.css *.js
var FS embed.FS
