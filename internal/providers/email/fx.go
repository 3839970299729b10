package email

import (
	"github.com/smallbiznis/adops/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	switch cfg.Email.Provider {
	case config.EmailProviderBrevo:
		if cfg.Email.BrevoAPIKey == "" {
			log.Warn("brevo email provider selected without api key, emails disabled")
			return NoOpProvider{}
		}
		return NewBrevo(BrevoConfig{
			APIKey:   cfg.Email.BrevoAPIKey,
			BaseURL:  cfg.Email.BrevoBaseURL,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
		})
	case config.EmailProviderSMTP:
		return NewSMTP(SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.From,
		})
	default:
		return NoOpProvider{}
	}
}
