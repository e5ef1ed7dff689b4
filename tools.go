//go:build tools
// +build tools

package tools

import (
	_ "github.com/ains/go-test-html"
	_ "github.com/jstemmer/go-junit-report"
	_ "github.com/mgechev/revive"
)
