package runner

import "fmt"

var registry = map[string]Factory{}

// Register binds a runner driver under a name. Called from a driver's
// init() or from host startup code.
func Register(name string, f Factory) {
	registry[name] = f
}

// NewFactory returns a registered driver by name ("loopback", "grpc", ...).
func NewFactory(name string) (Factory, error) {
	if f, ok := registry[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("runner: unsupported driver %q", name)
}
