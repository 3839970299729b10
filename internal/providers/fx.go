package providers

import (
	"github.com/smallbiznis/adops/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
)
