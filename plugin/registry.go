package plugin

// Factory creates a new instance of a plugin.
type Factory func() Plugin

// factories is the global registry of plugin factories.
var factories = map[string]Factory{}

// RegisterFactory registers a plugin factory by name.
func RegisterFactory(name string, factory Factory) {
	factories[name] = factory
}

// GetFactory returns a plugin factory by name.
func GetFactory(name string) (Factory, bool) {
	f, ok := factories[name]
	return f, ok
}

// RegisteredPlugins returns the names of all registered plugin factories.
func RegisteredPlugins() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
