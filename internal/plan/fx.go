package plan

import (
	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/adops/internal/config"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("plan",
	fx.Provide(NewCatalog),
	fx.Provide(func(c *Catalog) subscriptiondomain.PlanCatalog { return c }),
)

// NewCatalog reads plans.yml from PLAN_CATALOG_PATH or the default search
// paths and watches it for changes. A missing file yields an empty catalog.
func NewCatalog(cfg config.Config, log *zap.Logger) (*Catalog, error) {
	log = log.Named("plan")

	v := viper.New()
	if cfg.PlanCatalogPath != "" {
		v.SetConfigFile(cfg.PlanCatalogPath)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/adops")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	found := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		found = false
		log.Warn("plan catalog not found, every price lookup will fail")
	}

	catalog, err := newCatalog(v, log)
	if err != nil {
		return nil, err
	}

	if found {
		v.OnConfigChange(func(e fsnotify.Event) {
			catalog.reload(v, e)
		})
		v.WatchConfig()
		log.Info("plan catalog loaded", zap.String("file", v.ConfigFileUsed()), zap.Int("plans", len(catalog.Plans())))
	}
	return catalog, nil
}
