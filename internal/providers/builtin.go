// Package providers lists the analysis providers compiled into the binary.
package providers

import (
	"github.com/example/biqt/internal/providers/face"
	"github.com/example/biqt/internal/providers/iris"
	"github.com/example/biqt/internal/quality"
)

// Builtins returns constructors for the compiled-in providers, keyed by
// provider name. Descriptors refer to these through their className.
func Builtins() map[string]func() quality.Provider {
	return map[string]func() quality.Provider{
		iris.Name: func() quality.Provider { return iris.New() },
		face.Name: func() quality.Provider { return face.New() },
	}
}

// BuiltinOrder is the registration order of the compiled-in providers.
var BuiltinOrder = []string{face.Name, iris.Name}
