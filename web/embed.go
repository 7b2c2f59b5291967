// Package web provides embedded assets for the Parley web interface.
package web

import "embed"

// StaticFS contains the files served under /static/.
//
//go:embed static/*
var StaticFS embed.FS

// TemplatesFS contains the html/template page layouts.
//
//go:embed templates/*.html
var TemplatesFS embed.FS
