// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

// Package plateauschedule implements a reduce-on-plateau schedule for the
// learning rate: when a monitored metric stops improving for a number of
// evaluations ("patience"), the learning rate is multiplied by a reduction
// factor.
//
// Unlike per-step schedules it runs on the host side, between epochs: call
// Schedule.Step with the freshly evaluated metric after each epoch. It reads
// and writes the same learning rate variable the optimizers use, so the next
// training step picks up the reduced rate.
//
// Example:
//
//	sched := plateauschedule.New(ctx, dtypes.Float32).FromContext().Maximize().Done()
//	for epoch := 0; epoch < numEpochs; epoch++ {
//		... train one epoch, evaluate validation metric ...
//		if sched.Step(valMetric) {
//			fmt.Printf("\tplateau: learning rate reduced to %g\n", sched.LearningRate())
//		}
//	}
package plateauschedule

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	// ParamFactor is the multiplicative factor applied to the learning rate on
	// each reduction. Must be in (0, 1). Defaults to 0.1.
	ParamFactor = "plateau_factor"

	// ParamPatience is the number of consecutive Step calls without
	// improvement tolerated before the learning rate is reduced.
	// Defaults to 5.
	ParamPatience = "plateau_patience"

	// ParamThreshold is the minimum relative improvement over the best value
	// seen for a metric to count as an improvement. Defaults to 1e-4.
	ParamThreshold = "plateau_threshold"

	// ParamMinLearningRate is the floor below which the learning rate is never
	// reduced. Defaults to 0.
	ParamMinLearningRate = "plateau_min_learning_rate"
)

// Config of the reduce-on-plateau schedule.
// New creates it and, once configured, call Config.Done to get the Schedule.
type Config struct {
	ctx       *context.Context
	dtype     dtypes.DType
	maximize  bool
	factor    float64
	patience  int
	threshold float64
	minLR     float64
}

// New creates a configuration for a reduce-on-plateau learning rate schedule.
//
// The returned Config can be further configured; call Done when finished.
// dtype is the dtype of the learning rate variable, usually the model's dtype.
//
// By default the monitored metric is minimized (a loss). Call Maximize if the
// metric improves upwards (an accuracy or a correlation).
func New(ctx *context.Context, dtype dtypes.DType) *Config {
	return &Config{
		ctx:       ctx,
		dtype:     dtype,
		factor:    0.1,
		patience:  5,
		threshold: 1e-4,
	}
}

// FromContext configures the schedule from the context parameters
// [ParamFactor], [ParamPatience], [ParamThreshold] and [ParamMinLearningRate].
func (opt *Config) FromContext() *Config {
	opt.factor = context.GetParamOr(opt.ctx, ParamFactor, opt.factor)
	opt.patience = context.GetParamOr(opt.ctx, ParamPatience, opt.patience)
	opt.threshold = context.GetParamOr(opt.ctx, ParamThreshold, opt.threshold)
	opt.minLR = context.GetParamOr(opt.ctx, ParamMinLearningRate, opt.minLR)
	return opt
}

// Maximize configures the schedule for a metric that improves upwards.
func (opt *Config) Maximize() *Config {
	opt.maximize = true
	return opt
}

// Minimize configures the schedule for a metric that improves downwards.
// This is the default.
func (opt *Config) Minimize() *Config {
	opt.maximize = false
	return opt
}

// Factor sets the multiplicative learning rate reduction factor.
// It must be in (0, 1); the default is 0.1.
func (opt *Config) Factor(factor float64) *Config {
	opt.factor = factor
	return opt
}

// Patience sets how many consecutive Step calls without improvement are
// tolerated before reducing the learning rate. The default is 5.
func (opt *Config) Patience(patience int) *Config {
	opt.patience = patience
	return opt
}

// Threshold sets the minimum relative improvement over the best seen value
// for a new metric to count as an improvement. The default is 1e-4.
func (opt *Config) Threshold(threshold float64) *Config {
	opt.threshold = threshold
	return opt
}

// MinLearningRate sets the floor for the learning rate. The default is 0.
func (opt *Config) MinLearningRate(minLR float64) *Config {
	opt.minLR = minLR
	return opt
}

// Done builds the Schedule. It materializes the learning rate variable (shared
// with the optimizers) if it doesn't exist yet, initializing it from the
// context parameter optimizers.ParamLearningRate.
func (opt *Config) Done() *Schedule {
	initialLR := context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.001)
	lrVar := optimizers.LearningRateVar(opt.ctx, opt.dtype, initialLR)
	best := math.Inf(1)
	if opt.maximize {
		best = math.Inf(-1)
	}
	return &Schedule{
		config: *opt,
		lrVar:  lrVar,
		best:   best,
	}
}

// Schedule tracks a metric across epochs and reduces the learning rate when it
// plateaus. Build it with New. It is not safe for concurrent use.
type Schedule struct {
	config Config
	lrVar  *context.Variable

	best    float64
	badRuns int
}

// Step records a new value of the monitored metric and reduces the learning
// rate if the metric hasn't improved for more than the configured patience.
// It reports whether a reduction happened.
func (s *Schedule) Step(metric float64) (reduced bool) {
	if s.improved(metric) {
		s.best = metric
		s.badRuns = 0
		return false
	}
	s.badRuns++
	if s.badRuns <= s.config.patience {
		return false
	}
	s.badRuns = 0
	lr := s.LearningRate()
	newLR := math.Max(lr*s.config.factor, s.config.minLR)
	if newLR >= lr {
		return false
	}
	s.setLearningRate(newLR)
	return true
}

func (s *Schedule) improved(metric float64) bool {
	threshold := s.config.threshold * math.Abs(s.best)
	if math.IsInf(s.best, 0) {
		return true
	}
	if s.config.maximize {
		return metric > s.best+threshold
	}
	return metric < s.best-threshold
}

// Best returns the best metric value seen so far. +/-Inf before the first
// Step call.
func (s *Schedule) Best() float64 { return s.best }

// LearningRate reads the current value of the learning rate variable.
func (s *Schedule) LearningRate() float64 {
	switch v := s.lrVar.Value().Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

func (s *Schedule) setLearningRate(lr float64) {
	s.lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, s.config.dtype)))
}
