package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CATALOG_URL", "http://catalog:8081")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load[Loans]()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "http://catalog:8081", cfg.Catalog.URL)
	assert.Equal(t, 2*time.Second, cfg.Catalog.Timeout)
	assert.Equal(t, 336*time.Hour, cfg.LoanPeriod)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.Dispatcher.Enabled)
}

func TestLoadValidates(t *testing.T) {
	t.Setenv("BROKER_KIND", "nats")
	_, err := Load[Loans]()
	assert.ErrorContains(t, err, "BROKER_KIND")

	t.Setenv("BROKER_KIND", "kafka")
	t.Setenv("DISPATCH_BATCH_SIZE", "0")
	_, err = Load[Loans]()
	assert.ErrorContains(t, err, "DISPATCH_BATCH_SIZE")
}

func TestConsumerRequiresQueue(t *testing.T) {
	t.Setenv("CONSUMER_QUEUE", "")
	_, err := Load[Consumer]()
	assert.ErrorContains(t, err, "CONSUMER_QUEUE")

	t.Setenv("CONSUMER_QUEUE", "analytics")
	cfg, err := Load[Consumer]()
	require.NoError(t, err)
	assert.Equal(t, "analytics", cfg.Queue)
	assert.Equal(t, 48*time.Hour, cfg.SeenTTL)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("CATALOG_TIMEOUT", "soon")
	_, err := Load[Loans]()
	assert.ErrorContains(t, err, "parse config")
}
