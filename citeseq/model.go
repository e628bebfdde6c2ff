// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package citeseq

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/fnn"
)

const (
	// ParamLatentDim is the width of the autoencoder bottleneck.
	ParamLatentDim = "latent_dim"

	// ParamCondition enables conditioning the encoder on the day and cell type
	// annotations (appended one-hot to the expression input).
	ParamCondition = "condition"

	// ParamNumFeaturesOut, ParamNumDays and ParamNumCellTypes are derived from
	// the data after loading, not set by the user.
	ParamNumFeaturesOut = "num_features_out"
	ParamNumDays        = "num_days"
	ParamNumCellTypes   = "num_cell_types"
)

// ModelGraph builds the autoencoder: an FNN encoder down to a latent
// bottleneck and an FNN decoder up to the output modality.
//
// Inputs are (x [batch, numFeaturesX], dayIndex [batch], cellType [batch]).
// predictions[0] is always the point prediction of y [batch, numFeaturesOut];
// the "nb" and "gauss" losses add an auxiliary head (dispersion and variance,
// respectively) as predictions[1].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	x, dayIndex, cellType := inputs[0], inputs[1], inputs[2]
	dtype := x.DType()

	numOut := context.GetParamOr(ctx, ParamNumFeaturesOut, 0)
	if numOut <= 0 {
		exceptions.Panicf("model requires the hyperparameter %q to be set from the data, got %d",
			ParamNumFeaturesOut, numOut)
	}

	if context.GetParamOr(ctx, ParamCondition, false) {
		numDays := context.GetParamOr(ctx, ParamNumDays, 0)
		numCellTypes := context.GetParamOr(ctx, ParamNumCellTypes, 0)
		if numDays <= 0 || numCellTypes <= 0 {
			exceptions.Panicf("conditioning requires %q (got %d) and %q (got %d) to be set from the data",
				ParamNumDays, numDays, ParamNumCellTypes, numCellTypes)
		}
		x = Concatenate([]*Node{
			x,
			OneHot(dayIndex, numDays, dtype),
			OneHot(cellType, numCellTypes, dtype),
		}, -1)
	}

	latentDim := context.GetParamOr(ctx, ParamLatentDim, 128)
	latent := fnn.New(ctx.In("encoder"), x, latentDim).Done()
	output := fnn.New(ctx.In("decoder"), latent, numOut).Done()

	switch context.GetParamOr(ctx, ParamLoss, "mse") {
	case LossNB:
		// Mean and inverse-dispersion must be positive.
		mu := Softplus(output)
		theta := Softplus(layers.DenseWithBias(ctx.In("dispersion"), latent, numOut))
		return []*Node{mu, theta}
	case LossGaussian:
		variance := Softplus(layers.DenseWithBias(ctx.In("variance"), latent, numOut))
		return []*Node{output, variance}
	default:
		return []*Node{output}
	}
}
