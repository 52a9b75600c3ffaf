package adapters

import (
	"context"

	"github.com/codemachine-ai/codemachine/pkg/engine"
)

// BuiltinConfigs returns the CLI provider configs in preference order.
func BuiltinConfigs() []Config {
	return []Config{Claude(), Codex(), Gemini(), Cursor()}
}

// RegisterBuiltins installs the built-in engines into reg as lazy loaders,
// so a missing provider binary only surfaces when that engine is first
// used. The mock engine joins the catalog when its env gate is set.
func RegisterBuiltins(reg *engine.Registry, opts ...Option) {
	for _, cfg := range BuiltinConfigs() {
		cfg := cfg
		reg.RegisterLazy(cfg.Descriptor, func(ctx context.Context) (engine.Module, error) {
			return New(cfg, opts...)
		})
	}
	if MockEnabled() {
		reg.Register(NewMock())
	}
}
