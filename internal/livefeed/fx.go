package livefeed

import "go.uber.org/fx"

var Module = fx.Module("livefeed",
	fx.Provide(NewHub),
)
