// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package citeseq

import (
	"math"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/pkg/errors"
)

// ParamLoss selects the reconstruction loss; one of the keys of Losses.
const ParamLoss = "loss"

// Valid values for ParamLoss.
const (
	LossMSE      = "mse"
	LossNB       = "nb"
	LossGaussian = "gauss"
	LossNCorr    = "ncorr"
)

// Losses maps loss names to their implementations. The "nb" and "gauss"
// entries require the model to emit their auxiliary head (see ModelGraph).
var Losses = map[string]losses.LossFn{
	LossMSE:      losses.MeanSquaredError,
	LossNB:       NegativeBinomialLoss,
	LossGaussian: GaussianLoss,
	LossNCorr:    NegativeCorrelationLoss,
}

// LossFromContext resolves the loss selected by the ParamLoss hyperparameter.
// Unknown names return an error listing the valid ones.
func LossFromContext(ctx *context.Context) (losses.LossFn, error) {
	name := context.GetParamOr(ctx, ParamLoss, LossMSE)
	lossFn, found := Losses[name]
	if !found {
		names := make([]string, 0, len(Losses))
		for valid := range Losses {
			names = append(names, valid)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown value %q for %q: valid values are %s",
			name, ParamLoss, strings.Join(names, ", "))
	}
	return lossFn, nil
}

// epsilon added inside logs and denominators to keep the losses finite.
const lossEpsilon = 1e-8

// NegativeCorrelationLoss returns 1 minus the mean per-cell Pearson
// correlation between predictions and labels. Minimizing it maximizes the
// correlation, the score the trained model is ultimately measured by.
func NegativeCorrelationLoss(labels, predictions []*Node) *Node {
	return OneMinus(ReduceAllMean(rowCorrelationGraph(labels[0], predictions[0])))
}

// GaussianLoss is the negative log-likelihood of the labels under a Gaussian
// with predicted mean (predictions[0]) and predicted variance
// (predictions[1], clamped to a small floor). Constant terms are dropped.
func GaussianLoss(labels, predictions []*Node) *Node {
	if len(predictions) < 2 {
		exceptions.Panicf("loss %q requires the model to output a variance head, got %d outputs",
			LossGaussian, len(predictions))
	}
	y, mean := labels[0], predictions[0]
	variance := MaxScalar(predictions[1], 1e-6)
	nll := Add(Log(variance), Div(Square(Sub(y, mean)), variance))
	return MulScalar(ReduceAllMean(nll), 0.5)
}

// NegativeBinomialLoss is the negative log-likelihood of the (count-valued)
// labels under a negative binomial with predicted mean mu (predictions[0])
// and inverse-dispersion theta (predictions[1]), both positive.
func NegativeBinomialLoss(labels, predictions []*Node) *Node {
	if len(predictions) < 2 {
		exceptions.Panicf("loss %q requires the model to output a dispersion head, got %d outputs",
			LossNB, len(predictions))
	}
	y, mu, theta := labels[0], predictions[0], predictions[1]
	logThetaMu := Log(AddScalar(Add(theta, mu), lossEpsilon))
	logLikelihood := Add(
		Mul(theta, Sub(Log(AddScalar(theta, lossEpsilon)), logThetaMu)),
		Mul(y, Sub(Log(AddScalar(mu, lossEpsilon)), logThetaMu)))
	logLikelihood = Add(logLikelihood, logGamma(Add(y, theta)))
	logLikelihood = Sub(logLikelihood, logGamma(theta))
	logLikelihood = Sub(logLikelihood, logGamma(OnePlus(y)))
	return Neg(ReduceAllMean(logLikelihood))
}

// Lanczos approximation coefficients (g=7, n=9).
var lanczosCoefficients = [...]float64{
	0.99999999999980993,
	676.5203681218851,
	-1259.1392167224028,
	771.32342877765313,
	-176.61502916214059,
	12.507343278686905,
	-0.13857109526572012,
	9.9843695780195716e-6,
	1.5056327351493116e-7,
}

var logSqrtTwoPi = 0.5 * math.Log(2*math.Pi)

// logGamma computes log(Gamma(x)) for x > 0 with the Lanczos approximation,
// element-wise.
func logGamma(x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	xm1 := MinusOne(x)
	sum := Scalar(g, dtype, lanczosCoefficients[0])
	for i := 1; i < len(lanczosCoefficients); i++ {
		sum = Add(sum, Div(
			Scalar(g, dtype, lanczosCoefficients[i]),
			AddScalar(xm1, float64(i))))
	}
	t := AddScalar(xm1, 7.5)
	return Add(
		AddScalar(
			Sub(Mul(AddScalar(xm1, 0.5), Log(t)), t),
			logSqrtTwoPi),
		Log(sum))
}
