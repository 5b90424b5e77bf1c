package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap/zapcore"
)

var sampledOut = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "thoughtd",
	Subsystem: "log",
	Name:      "entries_dropped_total",
	Help:      "Log entries dropped by sampling.",
}, []string{"level"})

// newSampledCore samples Debug and Info entries per message. Warn and above
// bypass the sampler, so every taxonomy line from the pipeline is kept.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	sampled := zapcore.NewSamplerWithOptions(
		&levelRange{Core: core, min: zapcore.DebugLevel, max: zapcore.InfoLevel},
		cfg.Tick, cfg.Initial, cfg.Thereafter,
		zapcore.SamplerHook(func(ent zapcore.Entry, dec zapcore.SamplingDecision) {
			if dec&zapcore.LogDropped != 0 {
				sampledOut.WithLabelValues(ent.Level.String()).Inc()
			}
		}),
	)
	return zapcore.NewTee(sampled, &levelRange{Core: core, min: zapcore.WarnLevel, max: zapcore.FatalLevel})
}

// levelRange passes entries with min <= level <= max.
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRange) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max}
}
