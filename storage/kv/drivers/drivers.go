// Package drivers enumerates the available kv storage drivers
package drivers

import (
	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/storage/kv/bbolt"
	"github.com/dunlinkv/dunlin/storage/kv/memory"
)

// Plugins returns all registered kv plugins
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&bbolt.Plugin{},
		&memory.Plugin{},
	}
}

// Plugin returns the plugin with this name or nil if no such
// plugin is registered
func Plugin(name string) kv.Plugin {
	for _, plugin := range Plugins() {
		if plugin.Name() == name {
			return plugin
		}
	}

	return nil
}
