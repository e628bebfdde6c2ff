// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package citeseq

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/scmodal/scmodal/plateauschedule"
)

// DType used for the model weights and data.
const DType = dtypes.Float32

// Hyperparameter names, used as context parameters. They can be set on the
// command line with --set (see cmd/citeseq_train).
const (
	// ParamEpochs is the number of epochs to train for.
	ParamEpochs = "epochs"

	// ParamBatchSize for training, and ParamEvalBatchSize for evaluation
	// (larger is more efficient).
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"

	// ParamValFraction is the fraction of cells held out for validation.
	ParamValFraction = "val_fraction"

	// ParamSeed seeds the train/validation split and the weight
	// initialization.
	ParamSeed = "seed"

	// ParamSave enables saving a checkpoint at the end of each epoch.
	ParamSave = "save"

	// ParamScheduleLR enables the reduce-on-plateau learning rate schedule,
	// driven by the validation correlation.
	ParamScheduleLR = "schedule_lr"

	// ParamNumCheckpoints is how many checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"
)

// ParamsExcludedFromSaving are hyperparameters not saved along with
// checkpoints: they are specific to a run, not to the model.
var ParamsExcludedFromSaving = []string{
	"data_dir", "log_dir", ParamEpochs, ParamSave, ParamNumCheckpoints,
}

// CreateDefaultContext creates a context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamLoss:           LossMSE,
		ParamEpochs:         100,
		ParamBatchSize:      256,
		ParamEvalBatchSize:  1024,
		ParamValFraction:    0.15,
		ParamSeed:           42,
		ParamSave:           false,
		ParamScheduleLR:     false,
		ParamNumCheckpoints: 3,

		// Model.
		ParamLatentDim: 128,
		ParamCondition: false,

		// Encoder/decoder FNNs.
		fnn.ParamNumHiddenLayers:    2,
		fnn.ParamNumHiddenNodes:     512,
		activations.ParamActivation: "relu",
		regularizers.ParamL2:        0.0,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamWeightDecay: 1e-5,

		plateauschedule.ParamFactor:    0.1,
		plateauschedule.ParamPatience:  5,
		plateauschedule.ParamThreshold: 1e-4,
	})
	return ctx
}

// TrainModel loads the paired data from dataDir and trains the cross-modality
// autoencoder according to the hyperparameters in ctx. If logDir is not
// empty, it is used for checkpoints and for the training plot points file.
//
// paramsSet lists hyperparameters explicitly overridden by the user; they are
// preserved even when a checkpoint with different values is loaded.
//
// verbosity: -1 quiet, 0 progress bar only, >= 1 per-epoch reporting.
func TrainModel(ctx *context.Context, dataDir, logDir string, verbosity int, paramsSet []string) error {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		return errors.Errorf("data directory %q does not exist", dataDir)
	}
	pairs, err := LoadPaired(dataDir)
	if err != nil {
		return err
	}
	return trainFromPairs(ctx, pairs, logDir, verbosity, paramsSet)
}

// trainFromPairs is the epoch driver of TrainModel, separated from the data
// loading.
func trainFromPairs(ctx *context.Context, pairs *PairedData, logDir string, verbosity int, paramsSet []string) error {
	var err error
	if verbosity >= 0 {
		fmt.Printf("Loaded %s cells: %s\n", humanize.Comma(int64(pairs.NumCells)), pairs)
	}

	// Hyperparameters derived from the data.
	ctx.SetParams(map[string]any{
		ParamNumFeaturesOut: pairs.NumFeaturesY,
		ParamNumDays:        len(pairs.DayValues),
		ParamNumCellTypes:   len(pairs.CellTypes),
	})

	// Resolve loss and optimizer before doing any work, so a typo fails fast.
	lossFn, err := LossFromContext(ctx)
	if err != nil {
		return err
	}
	optimizerName := context.GetParamOr(ctx, optimizers.ParamOptimizer, "adam")
	if _, found := optimizers.KnownOptimizers[optimizerName]; !found {
		names := make([]string, 0, len(optimizers.KnownOptimizers))
		for valid := range optimizers.KnownOptimizers {
			names = append(names, valid)
		}
		sort.Strings(names)
		return errors.Errorf("unknown value %q for %q: valid values are %s",
			optimizerName, optimizers.ParamOptimizer, strings.Join(names, ", "))
	}
	optimizer := optimizers.FromContext(ctx)

	backend := backends.MustNew()
	seed := int64(context.GetParamOr(ctx, ParamSeed, 42))
	ctx.RngStateFromSeed(seed)

	valFraction := context.GetParamOr(ctx, ParamValFraction, 0.15)
	trainRows, validRows, err := pairs.Split(valFraction, seed)
	if err != nil {
		return err
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	trainDS, trainEvalDS, validEvalDS, err := pairs.NewDatasets(backend, trainRows, validRows, batchSize, evalBatchSize)
	if err != nil {
		return err
	}

	movingCorrMetric := NewMovingAverageRowCorrelation("Moving Average Correlation", "~corr", 0.01)
	meanCorrMetric := NewMeanRowCorrelation("Mean Correlation", "#corr")
	trainer := train.NewTrainer(backend, ctx,
		ModelGraph,
		lossFn,
		optimizer,
		[]metrics.Interface{movingCorrMetric}, // trainMetrics
		[]metrics.Interface{meanCorrMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoints: loads a previous checkpoint if one exists in logDir, and
	// saves at the end of each epoch when ParamSave is set.
	var checkpoint *checkpoints.Handler
	if logDir != "" {
		logDir = data.ReplaceTildeInDir(logDir)
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(logDir, logDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "creating checkpoint handler in %q", logDir)
		}
		if verbosity >= 0 {
			fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		}
	}
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep > 0 {
		if verbosity >= 0 {
			fmt.Printf("Resuming training from global step %d\n", globalStep)
		}
		trainer.SetContext(ctx.Reuse())
	}

	// Scalar points (loss, correlation, learning rate) written per epoch,
	// next to the checkpoints.
	var pointsWriter chan<- plots.Point
	var pointsErr <-chan error
	if checkpoint != nil {
		pointsWriter, pointsErr = plots.CreatePointsWriter(path.Join(checkpoint.Dir(), plots.TrainingPlotFileName))
	}

	var schedule *plateauschedule.Schedule
	if context.GetParamOr(ctx, ParamScheduleLR, false) {
		schedule = plateauschedule.New(ctx, DType).FromContext().Maximize().Done()
	}

	numEpochs := context.GetParamOr(ctx, ParamEpochs, 0)
	save := context.GetParamOr(ctx, ParamSave, false)
	for epoch := 0; epoch < numEpochs; epoch++ {
		trainMetricValues, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		trainLoss, _ := metricValueByType(trainer.TrainMetrics(), trainMetricValues, "loss")
		trainCorr, _ := metricValueByType(trainer.TrainMetrics(), trainMetricValues, CorrelationMetricType)

		validCorr := math.NaN()
		if validEvalDS != nil {
			validMetricValues, err := evalOnDataset(trainer, validEvalDS)
			if err != nil {
				return errors.WithMessagef(err, "evaluating validation set after epoch %d", epoch)
			}
			validCorr, _ = metricValueByType(trainer.EvalMetrics(), validMetricValues, CorrelationMetricType)
		}

		step := float64(optimizers.GetGlobalStep(ctx))
		writePoint(pointsWriter, "Train: Loss", "T/loss", "loss", step, trainLoss)
		writePoint(pointsWriter, "Train: Correlation", "T/corr", CorrelationMetricType, step, trainCorr)
		writePoint(pointsWriter, "Validation: Correlation", "V/corr", CorrelationMetricType, step, validCorr)

		if schedule != nil && !math.IsNaN(validCorr) {
			if schedule.Step(validCorr) && verbosity >= 1 {
				fmt.Printf("\tplateau: learning rate reduced to %g\n", schedule.LearningRate())
			}
			writePoint(pointsWriter, "Learning Rate", "lr", "learning_rate", step, schedule.LearningRate())
		}

		if verbosity >= 1 {
			fmt.Printf("epoch: %03d, global_step: %d, loss: %.4f, corr: %.4f, val_corr: %.4f\n",
				epoch, optimizers.GetGlobalStep(ctx), trainLoss, trainCorr, validCorr)
		}
		if save && checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
			}
		}
	}
	if numEpochs > 0 && verbosity >= 0 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}

	if pointsWriter != nil {
		close(pointsWriter)
		if err = <-pointsErr; err != nil {
			return errors.WithMessagef(err, "writing training plot points")
		}
	}

	// Final evaluation on both splits.
	if verbosity >= 0 {
		fmt.Println()
		evalDatasets := []train.Dataset{trainEvalDS}
		if validEvalDS != nil {
			evalDatasets = append(evalDatasets, validEvalDS)
		}
		if err = commandline.ReportEval(trainer, evalDatasets...); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

// evalOnDataset evaluates the dataset, converting the trainer's panics (how
// graph building and execution report failures) into a wrapped error.
func evalOnDataset(trainer *train.Trainer, ds train.Dataset) (values []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		values = trainer.Eval(ds)
	})
	return
}

// metricValueByType returns the value of the first metric of the given type,
// skipping the raw batch loss (the trainer always also carries a moving
// average loss, which is the informative one).
func metricValueByType(descriptions []metrics.Interface, values []*tensors.Tensor, metricType string) (float64, bool) {
	for i, desc := range descriptions {
		if desc.MetricType() != metricType || desc.Name() == "Batch Loss" {
			continue
		}
		return metricToFloat(values[i]), true
	}
	return math.NaN(), false
}

func metricToFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

func writePoint(writer chan<- plots.Point, name, short, metricType string, step, value float64) {
	if writer == nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	writer <- plots.Point{
		MetricName: name,
		Short:      short,
		MetricType: metricType,
		Step:       step,
		Value:      value,
	}
}
