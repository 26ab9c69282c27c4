package branding

import "embed"

// Files holds the stylesheet and icons served under /branding/.
//
//go:embed favicon.svg app.css
var Files embed.FS
