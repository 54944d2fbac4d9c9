//go:build tools

// Tool dependencies invoked through go generate.
package roomnet

import (
	_ "go.uber.org/mock/mockgen"
)
