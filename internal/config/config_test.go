package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GRACE_PERIOD", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("EMAIL_PROVIDER", "")

	cfg := Load()

	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.GracePeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.ArchiveDelay)
	assert.Equal(t, EmailProviderNoop, cfg.Email.Provider)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRACE_PERIOD", "48h")
	t.Setenv("ARCHIVE_DELAY", "not-a-duration")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("SCHEDULER_ENABLED", "yes")
	t.Setenv("ENVIRONMENT", "Production")

	cfg := Load()

	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.GracePeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.ArchiveDelay)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.IsProduction())
}
