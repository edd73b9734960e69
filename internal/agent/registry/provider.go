package registry

import "github.com/delidev/core/internal/common/logger"

// Provide creates and loads the agent registry.
func Provide(log *logger.Logger) (*Registry, func() error, error) {
	reg := NewRegistry(log)
	reg.LoadDefaults()
	return reg, func() error { return nil }, nil
}
