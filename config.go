package myquery

import (
	"os"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/util"
	"go.uber.org/atomic"
)

// Config configures a database instance
type Config struct {
	// Provider is the registered kv provider: badger, redis or tikv
	Provider string `json:"provider" validate:"required"`
	// Params are passed to the kv provider, for example storage_path for badger
	Params map[string]any `json:"params,omitempty"`
	// LogLevel is one of debug, info, warn or error
	LogLevel string `json:"log_level,omitempty"`
	// Parameters are the initial query engine parameters
	Parameters *Parameters `json:"parameters,omitempty"`
}

// LoadConfig reads a yaml or json config file
func LoadConfig(path string) (Config, error) {
	bits, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.Validation, "failed to read config %s", path)
	}
	return ParseConfig(bits)
}

// ParseConfig parses yaml or json config content and fills in defaults
func ParseConfig(content []byte) (Config, error) {
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.Validation, "invalid config")
	}
	doc, err := NewDocumentFromBytes(jsonContent)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := util.Decode(doc.Value(), &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.Validation, "invalid config")
	}
	params := DefaultParameters()
	if doc.Exists("parameters") {
		if err := util.Decode(doc.Get("parameters"), &params); err != nil {
			return Config{}, errors.Wrap(err, errors.Validation, "invalid parameters")
		}
	}
	cfg.Parameters = &params
	if err := util.ValidateStruct(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parameters tune the planner, the trial runner and the plan cache. They can be changed at runtime
// with DB.SetParameter.
type Parameters struct {
	// PlanCacheMaxBytes is the byte budget of the plan cache
	PlanCacheMaxBytes int64 `json:"planCacheMaxBytes" validate:"min=0"`
	// TrialWorkQuantum is the number of works each candidate performs per round
	TrialWorkQuantum int `json:"trialWorkQuantum" validate:"min=1"`
	// TrialMaxWorks is the minimum per candidate work budget of a trial
	TrialMaxWorks int `json:"trialMaxWorks" validate:"min=1"`
	// TrialCollectionFraction scales the work budget with the collection size
	TrialCollectionFraction float64 `json:"trialCollectionFraction" validate:"min=0,max=1"`
	// TrialMaxResults ends a trial once a candidate produces this many results
	TrialMaxResults int `json:"trialMaxResults" validate:"min=1"`
	// MaxBlockingSortBytes is the memory ceiling of blocking sorts and hash intersections
	MaxBlockingSortBytes int64 `json:"maxBlockingSortBytes" validate:"min=1"`
	// MaxGroupBytes is the memory ceiling of grouping
	MaxGroupBytes int64 `json:"maxGroupBytes" validate:"min=1"`
	// InstantActivationRatio activates a new entry immediately when the winner's productivity
	// exceeds the runner up's by this factor. 0 disables it.
	InstantActivationRatio   float64 `json:"instantActivationRatio" validate:"min=0"`
	EnableSortedIntersection bool    `json:"enableSortedIntersection"`
	EnableHashIntersection   bool    `json:"enableHashIntersection"`
	MaxCandidates            int     `json:"maxCandidates" validate:"min=1"`
	// MaxScanRanges caps the key ranges a single index scan expands to
	MaxScanRanges int `json:"maxScanRanges" validate:"min=1"`
	// YieldIterations is the number of works between yields. 0 never yields.
	YieldIterations  int  `json:"yieldIterations" validate:"min=0"`
	DisablePlanCache bool `json:"disablePlanCache"`
}

// DefaultParameters returns the default parameters
func DefaultParameters() Parameters {
	return Parameters{
		PlanCacheMaxBytes:        32 * 1024 * 1024,
		TrialWorkQuantum:         1,
		TrialMaxWorks:            10000,
		TrialCollectionFraction:  0.3,
		TrialMaxResults:          101,
		MaxBlockingSortBytes:     100 * 1024 * 1024,
		MaxGroupBytes:            100 * 1024 * 1024,
		InstantActivationRatio:   0,
		EnableSortedIntersection: true,
		EnableHashIntersection:   false,
		MaxCandidates:            64,
		MaxScanRanges:            200,
		YieldIterations:          128,
		DisablePlanCache:         false,
	}
}

// parameters is the runtime settable form of Parameters
type parameters struct {
	planCacheMaxBytes        *atomic.Int64
	trialWorkQuantum         *atomic.Int64
	trialMaxWorks            *atomic.Int64
	trialCollectionFraction  *atomic.Float64
	trialMaxResults          *atomic.Int64
	maxBlockingSortBytes     *atomic.Int64
	maxGroupBytes            *atomic.Int64
	instantActivationRatio   *atomic.Float64
	enableSortedIntersection *atomic.Bool
	enableHashIntersection   *atomic.Bool
	maxCandidates            *atomic.Int64
	maxScanRanges            *atomic.Int64
	yieldIterations          *atomic.Int64
	disablePlanCache         *atomic.Bool
}

func newParameters(p Parameters) *parameters {
	return &parameters{
		planCacheMaxBytes:        atomic.NewInt64(p.PlanCacheMaxBytes),
		trialWorkQuantum:         atomic.NewInt64(int64(p.TrialWorkQuantum)),
		trialMaxWorks:            atomic.NewInt64(int64(p.TrialMaxWorks)),
		trialCollectionFraction:  atomic.NewFloat64(p.TrialCollectionFraction),
		trialMaxResults:          atomic.NewInt64(int64(p.TrialMaxResults)),
		maxBlockingSortBytes:     atomic.NewInt64(p.MaxBlockingSortBytes),
		maxGroupBytes:            atomic.NewInt64(p.MaxGroupBytes),
		instantActivationRatio:   atomic.NewFloat64(p.InstantActivationRatio),
		enableSortedIntersection: atomic.NewBool(p.EnableSortedIntersection),
		enableHashIntersection:   atomic.NewBool(p.EnableHashIntersection),
		maxCandidates:            atomic.NewInt64(int64(p.MaxCandidates)),
		maxScanRanges:            atomic.NewInt64(int64(p.MaxScanRanges)),
		yieldIterations:          atomic.NewInt64(int64(p.YieldIterations)),
		disablePlanCache:         atomic.NewBool(p.DisablePlanCache),
	}
}

// snapshot reads every parameter. An operation uses one snapshot from start to finish.
func (p *parameters) snapshot() Parameters {
	return Parameters{
		PlanCacheMaxBytes:        p.planCacheMaxBytes.Load(),
		TrialWorkQuantum:         int(p.trialWorkQuantum.Load()),
		TrialMaxWorks:            int(p.trialMaxWorks.Load()),
		TrialCollectionFraction:  p.trialCollectionFraction.Load(),
		TrialMaxResults:          int(p.trialMaxResults.Load()),
		MaxBlockingSortBytes:     p.maxBlockingSortBytes.Load(),
		MaxGroupBytes:            p.maxGroupBytes.Load(),
		InstantActivationRatio:   p.instantActivationRatio.Load(),
		EnableSortedIntersection: p.enableSortedIntersection.Load(),
		EnableHashIntersection:   p.enableHashIntersection.Load(),
		MaxCandidates:            int(p.maxCandidates.Load()),
		MaxScanRanges:            int(p.maxScanRanges.Load()),
		YieldIterations:          int(p.yieldIterations.Load()),
		DisablePlanCache:         p.disablePlanCache.Load(),
	}
}

// set validates and stores one parameter by its json name
func (p *parameters) set(name string, value any) error {
	current := util.JSONRoundTripMap(p.snapshot())
	if _, ok := current[name]; !ok {
		return errors.New(errors.Validation, "unknown parameter: %s", name)
	}
	current[name] = value
	var next Parameters
	if err := util.Decode(current, &next); err != nil {
		return errors.Wrap(err, errors.Validation, "invalid value for parameter %s: %v", name, value)
	}
	if err := util.ValidateStruct(&next); err != nil {
		return errors.Wrap(err, errors.Validation, "invalid value for parameter %s: %v", name, value)
	}
	switch name {
	case "planCacheMaxBytes":
		p.planCacheMaxBytes.Store(next.PlanCacheMaxBytes)
	case "trialWorkQuantum":
		p.trialWorkQuantum.Store(int64(next.TrialWorkQuantum))
	case "trialMaxWorks":
		p.trialMaxWorks.Store(int64(next.TrialMaxWorks))
	case "trialCollectionFraction":
		p.trialCollectionFraction.Store(next.TrialCollectionFraction)
	case "trialMaxResults":
		p.trialMaxResults.Store(int64(next.TrialMaxResults))
	case "maxBlockingSortBytes":
		p.maxBlockingSortBytes.Store(next.MaxBlockingSortBytes)
	case "maxGroupBytes":
		p.maxGroupBytes.Store(next.MaxGroupBytes)
	case "instantActivationRatio":
		p.instantActivationRatio.Store(next.InstantActivationRatio)
	case "enableSortedIntersection":
		p.enableSortedIntersection.Store(next.EnableSortedIntersection)
	case "enableHashIntersection":
		p.enableHashIntersection.Store(next.EnableHashIntersection)
	case "maxCandidates":
		p.maxCandidates.Store(int64(next.MaxCandidates))
	case "maxScanRanges":
		p.maxScanRanges.Store(int64(next.MaxScanRanges))
	case "yieldIterations":
		p.yieldIterations.Store(int64(next.YieldIterations))
	case "disablePlanCache":
		p.disablePlanCache.Store(next.DisablePlanCache)
	}
	return nil
}

// get returns one parameter by its json name
func (p *parameters) get(name string) (any, error) {
	current := util.JSONRoundTripMap(p.snapshot())
	v, ok := current[name]
	if !ok {
		return nil, errors.New(errors.Validation, "unknown parameter: %s", name)
	}
	return v, nil
}

// ParameterNames lists every runtime parameter
func ParameterNames() []string {
	return sortedKeys(util.JSONRoundTripMap(DefaultParameters()))
}
