package renewal

import "go.uber.org/fx"

var Module = fx.Module("renewal.engine",
	fx.Provide(New),
)
