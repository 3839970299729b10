// Package plan loads the price-to-plan catalog applied when a subscription is
// (re)activated. The catalog is hot-reloaded when its file changes.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Entry is one plan as written in plans.yml.
type Entry struct {
	Code          string   `mapstructure:"code"`
	Name          string   `mapstructure:"name"`
	PriceIDs      []string `mapstructure:"price_ids"`
	StoreLimit    int      `mapstructure:"store_limit"`
	CampaignLimit int      `mapstructure:"campaign_limit"`
	Features      []string `mapstructure:"features"`
}

type snapshot struct {
	plans   []subscriptiondomain.Plan
	byPrice map[string]subscriptiondomain.Plan
}

type Catalog struct {
	current atomic.Value // holds snapshot
	log     *zap.Logger
}

// Lookup resolves a provider price id.
func (c *Catalog) Lookup(priceID string) (subscriptiondomain.Plan, error) {
	snap := c.current.Load().(snapshot)
	plan, ok := snap.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return subscriptiondomain.Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, priceID)
	}
	return plan, nil
}

// Plans returns every plan in file order.
func (c *Catalog) Plans() []subscriptiondomain.Plan {
	snap := c.current.Load().(snapshot)
	out := make([]subscriptiondomain.Plan, len(snap.plans))
	copy(out, snap.plans)
	return out
}

func newCatalog(v *viper.Viper, log *zap.Logger) (*Catalog, error) {
	snap, err := load(v)
	if err != nil {
		return nil, err
	}
	c := &Catalog{log: log}
	c.current.Store(snap)
	return c, nil
}

func (c *Catalog) reload(v *viper.Viper, e fsnotify.Event) {
	snap, err := load(v)
	if err != nil {
		c.log.Warn("plan catalog reload rejected", zap.String("file", e.Name), zap.Error(err))
		return
	}
	c.current.Store(snap)
	c.log.Info("plan catalog reloaded", zap.String("file", e.Name), zap.Int("plans", len(snap.plans)))
}

func load(v *viper.Viper) (snapshot, error) {
	var entries []Entry
	if err := v.UnmarshalKey("plans", &entries); err != nil {
		return snapshot{}, err
	}
	if err := validate(entries); err != nil {
		return snapshot{}, err
	}

	snap := snapshot{
		plans:   make([]subscriptiondomain.Plan, 0, len(entries)),
		byPrice: make(map[string]subscriptiondomain.Plan),
	}
	for _, e := range entries {
		plan := subscriptiondomain.Plan{
			Code:          strings.TrimSpace(e.Code),
			Name:          strings.TrimSpace(e.Name),
			StoreLimit:    e.StoreLimit,
			CampaignLimit: e.CampaignLimit,
			Features:      e.Features,
		}
		if plan.Name == "" {
			plan.Name = plan.Code
		}
		snap.plans = append(snap.plans, plan)
		for _, priceID := range e.PriceIDs {
			snap.byPrice[strings.TrimSpace(priceID)] = plan
		}
	}
	return snap, nil
}

func validate(entries []Entry) error {
	codes := make(map[string]struct{}, len(entries))
	prices := make(map[string]string)
	for i, e := range entries {
		code := strings.TrimSpace(e.Code)
		if code == "" {
			return fmt.Errorf("plans[%d].code is required", i)
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("plan %q is defined twice", code)
		}
		codes[code] = struct{}{}

		if e.StoreLimit < 0 || e.CampaignLimit < 0 {
			return fmt.Errorf("plan %q limits cannot be negative", code)
		}
		for _, priceID := range e.PriceIDs {
			priceID = strings.TrimSpace(priceID)
			if priceID == "" {
				return fmt.Errorf("plan %q has an empty price id", code)
			}
			if owner, dup := prices[priceID]; dup {
				return fmt.Errorf("price %q is mapped to both %q and %q", priceID, owner, code)
			}
			prices[priceID] = code
		}
	}
	return nil
}
