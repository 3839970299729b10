package billingwebhook

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/adops/internal/config"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/subscription"
)

var ErrStripeKeyMissing = errors.New("stripe_secret_key_missing")

type stripeFetcher struct {
	client *subscription.Client
}

// NewStripeFetcher reads subscriptions through the Stripe API. Without a
// secret key every fetch fails with ErrStripeKeyMissing.
func NewStripeFetcher(cfg config.Config) SubscriptionFetcher {
	key := strings.TrimSpace(cfg.Stripe.SecretKey)
	if key == "" {
		return stripeFetcher{}
	}
	return stripeFetcher{
		client: &subscription.Client{B: stripe.GetBackend(stripe.APIBackend), Key: key},
	}
}

func (f stripeFetcher) Get(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.client == nil {
		return nil, ErrStripeKeyMissing
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return f.client.Get(id, params)
}
