// Package loader registers cache drivers via blank imports.
// Import this package to make the default cache drivers available.
//
// Usage in main.go:
//
//	import _ "github.com/tandemlist/tandem-go/internal/platform/cache/loader"
package loader

import (
	_ "github.com/tandemlist/tandem-go/internal/platform/cache/memory"
	_ "github.com/tandemlist/tandem-go/internal/platform/cache/valkey"
)
