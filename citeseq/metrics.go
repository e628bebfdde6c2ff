// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package citeseq

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"gonum.org/v1/gonum/stat"
)

// CorrelationMetricType groups the correlation metrics in plots.
const CorrelationMetricType = "correlation"

// rowCorrelationGraph computes the Pearson correlation between each row of y
// and the matching row of pred, both shaped [batch, numFeatures]. Returns a
// [batch] vector. Zero-variance rows yield 0 (the denominator is epsilon
// guarded), never NaN.
func rowCorrelationGraph(y, pred *Node) *Node {
	yCentered := Sub(y, ReduceAndKeep(y, ReduceMean, -1))
	predCentered := Sub(pred, ReduceAndKeep(pred, ReduceMean, -1))
	covariance := ReduceSum(Mul(yCentered, predCentered), -1)
	denominator := Sqrt(Mul(
		ReduceSum(Square(yCentered), -1),
		ReduceSum(Square(predCentered), -1)))
	return Div(covariance, AddScalar(denominator, lossEpsilon))
}

func meanRowCorrelationGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	return ReduceAllMean(rowCorrelationGraph(labels[0], predictions[0]))
}

// NewMeanRowCorrelation returns a metric with the mean per-cell Pearson
// correlation between the predicted and the measured target modality, the
// score the model is ultimately measured by.
func NewMeanRowCorrelation(name, shortName string) metrics.Interface {
	return metrics.NewMeanMetric(name, shortName, CorrelationMetricType, meanRowCorrelationGraph, nil)
}

// NewMovingAverageRowCorrelation is the moving-average version of
// NewMeanRowCorrelation, used during training where the model changes at
// every step.
func NewMovingAverageRowCorrelation(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(
		name, shortName, CorrelationMetricType, meanRowCorrelationGraph, nil, newExampleWeight)
}

// RowCorrelations is the host-side counterpart of the correlation metric:
// the Pearson correlation of each row of y with the matching row of pred,
// both row-major [numRows x numCols]. Rows with zero variance yield NaN,
// matching gonum's convention.
func RowCorrelations(y, pred []float32, numRows, numCols int) []float64 {
	correlations := make([]float64, numRows)
	yRow := make([]float64, numCols)
	predRow := make([]float64, numCols)
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			yRow[col] = float64(y[row*numCols+col])
			predRow[col] = float64(pred[row*numCols+col])
		}
		correlations[row] = stat.Correlation(yRow, predRow, nil)
	}
	return correlations
}

// MeanRowCorrelation averages RowCorrelations.
func MeanRowCorrelation(y, pred []float32, numRows, numCols int) float64 {
	return stat.Mean(RowCorrelations(y, pred, numRows, numCols), nil)
}
