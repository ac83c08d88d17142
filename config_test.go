package myquery

import (
	"testing"

	"github.com/autom8ter/myquery/errors"
	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
provider: badger
params:
  storage_path: ""
log_level: debug
parameters:
  planCacheMaxBytes: 1024
  maxBlockingSortBytes: 2048
`))
		assert.NoError(t, err)
		assert.Equal(t, "badger", cfg.Provider)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.EqualValues(t, 1024, cfg.Parameters.PlanCacheMaxBytes)
		assert.EqualValues(t, 2048, cfg.Parameters.MaxBlockingSortBytes)
		assert.Equal(t, DefaultParameters().TrialMaxResults, cfg.Parameters.TrialMaxResults)
	})
	t.Run("json", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`{"provider": "redis", "params": {"addr": "localhost:6379"}}`))
		assert.NoError(t, err)
		assert.Equal(t, "localhost:6379", cfg.Params["addr"])
		assert.Equal(t, DefaultParameters(), *cfg.Parameters)
	})
	t.Run("missing provider", func(t *testing.T) {
		_, err := ParseConfig([]byte(`log_level: info`))
		assert.Error(t, err)
	})
	t.Run("invalid parameter", func(t *testing.T) {
		_, err := ParseConfig([]byte(`
provider: badger
parameters:
  trialMaxResults: 0
`))
		assert.Error(t, err)
	})
}

func TestParameters(t *testing.T) {
	p := newParameters(DefaultParameters())
	t.Run("set and get", func(t *testing.T) {
		assert.NoError(t, p.set("planCacheMaxBytes", 0))
		v, err := p.get("planCacheMaxBytes")
		assert.NoError(t, err)
		assert.EqualValues(t, 0, v)
		assert.EqualValues(t, 0, p.snapshot().PlanCacheMaxBytes)

		assert.NoError(t, p.set("enableHashIntersection", true))
		assert.True(t, p.snapshot().EnableHashIntersection)

		assert.NoError(t, p.set("trialCollectionFraction", "0.5"))
		assert.Equal(t, 0.5, p.snapshot().TrialCollectionFraction)
	})
	t.Run("unknown", func(t *testing.T) {
		err := p.set("bogus", 1)
		assert.True(t, errors.Is(err, errors.Validation))
		_, err = p.get("bogus")
		assert.True(t, errors.Is(err, errors.Validation))
	})
	t.Run("invalid value", func(t *testing.T) {
		before := p.snapshot()
		assert.Error(t, p.set("trialMaxResults", -1))
		assert.Error(t, p.set("trialCollectionFraction", 2))
		assert.Equal(t, before, p.snapshot())
	})
	t.Run("names", func(t *testing.T) {
		names := ParameterNames()
		assert.Contains(t, names, "planCacheMaxBytes")
		assert.Contains(t, names, "maxBlockingSortBytes")
		assert.Len(t, names, 14)
	})
}
