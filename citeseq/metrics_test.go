// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package citeseq

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowCorrelationGraph(t *testing.T) {
	graphtest.RunTestGraphFn(t, "rowCorrelationGraph",
		func(g *Graph) (inputs, outputs []*Node) {
			y := Const(g, [][]float64{
				{1, 2, 3, 4},
				{1, 2, 3, 4},
				{1, 2, 3, 4},
			})
			pred := Const(g, [][]float64{
				{10, 20, 30, 40}, // Perfectly correlated.
				{4, 3, 2, 1},     // Perfectly anti-correlated.
				{5, 5, 5, 5},     // Zero variance: correlation defined as 0.
			})
			inputs = []*Node{y, pred}
			outputs = []*Node{rowCorrelationGraph(y, pred)}
			return
		}, []any{[]float64{1, -1, 0}}, 1e-4)
}

func TestRowCorrelationGraphMatchesGonum(t *testing.T) {
	y := []float32{0.5, 1.25, -3, 0.75, 2, 1, 0, -1}
	pred := []float32{1, 0.5, -2, 1.5, -1, 2, 0.25, 0}
	want := RowCorrelations(y, pred, 2, 4)

	graphtest.RunTestGraphFn(t, "rowCorrelationGraph vs gonum",
		func(g *Graph) (inputs, outputs []*Node) {
			yN := Const(g, [][]float32{{0.5, 1.25, -3, 0.75}, {2, 1, 0, -1}})
			predN := Const(g, [][]float32{{1, 0.5, -2, 1.5}, {-1, 2, 0.25, 0}})
			inputs = []*Node{yN, predN}
			outputs = []*Node{ConvertDType(rowCorrelationGraph(yN, predN), dtypes.Float64)}
			return
		}, []any{want}, 1e-4)
}

func TestNewMeanRowCorrelation(t *testing.T) {
	metric := NewMeanRowCorrelation("Mean Row Correlation", "#corr")
	assert.Equal(t, "Mean Row Correlation", metric.Name())
	assert.Equal(t, "#corr", metric.ShortName())
	assert.Equal(t, CorrelationMetricType, metric.MetricType())
}

func TestRowCorrelationsHostSide(t *testing.T) {
	y := []float32{1, 2, 3, 3, 2, 1}
	pred := []float32{2, 4, 6, 1, 2, 3}
	got := RowCorrelations(y, pred, 2, 3)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0], 1e-9)
	assert.InDelta(t, -1.0, got[1], 1e-9)
	assert.InDelta(t, 0.0, MeanRowCorrelation(y, pred, 2, 3), 1e-9)

	// Zero-variance row: NaN, gonum's convention.
	got = RowCorrelations([]float32{1, 1, 1}, []float32{1, 2, 3}, 1, 3)
	assert.True(t, math.IsNaN(got[0]))
}
