// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

// Package citeseq trains a cross-modality autoencoder on paired CITE-seq
// single-cell data: it learns to translate the gene-expression profile of a
// cell (modality X) into its surface protein levels (modality Y).
package citeseq

import (
	"fmt"
	"math/rand"
	"path"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/scmodal/scmodal/anndata"
)

const (
	// TrainXFile and TrainYFile are the names of the paired AnnData files
	// expected under the data directory: same cells (rows) in the same order,
	// different modalities.
	TrainXFile = "cite_train_x.h5ad"
	TrainYFile = "cite_train_y.h5ad"

	// TimeKey is the obs column with the day of the experiment the cell was
	// measured.
	TimeKey = "day"

	// CellTypeKey is the obs column with the annotated cell type.
	CellTypeKey = "cell_type"
)

// PairedData holds both modalities of the training data in memory, plus the
// per-cell annotations used for conditioning.
type PairedData struct {
	NumCells                   int
	NumFeaturesX, NumFeaturesY int

	// X and Y are row-major [NumCells x NumFeatures*] matrices.
	X, Y []float32

	// DayIndex maps each cell to an entry of DayValues (the distinct measured
	// days, sorted ascending).
	DayIndex  []int32
	DayValues []float64

	// CellType maps each cell to an entry of CellTypes.
	CellType  []int32
	CellTypes []string
}

// LoadPaired reads the paired training files from dataDir. Both files must
// have the same number of cells in the same order; the day and cell type
// annotations are taken from the X file.
func LoadPaired(dataDir string) (*PairedData, error) {
	xFile, err := anndata.Open(path.Join(dataDir, TrainXFile))
	if err != nil {
		return nil, err
	}
	yFile, err := anndata.Open(path.Join(dataDir, TrainYFile))
	if err != nil {
		return nil, err
	}
	if xFile.NumObs() != yFile.NumObs() {
		return nil, errors.Errorf("paired files disagree on the number of cells: %s has %d, %s has %d",
			TrainXFile, xFile.NumObs(), TrainYFile, yFile.NumObs())
	}
	p := &PairedData{
		NumCells:     xFile.NumObs(),
		NumFeaturesX: xFile.NumVars(),
		NumFeaturesY: yFile.NumVars(),
	}
	if p.X, err = xFile.Matrix(); err != nil {
		return nil, err
	}
	if p.Y, err = yFile.Matrix(); err != nil {
		return nil, err
	}

	day, err := xFile.ObsColumn(TimeKey)
	if err != nil {
		return nil, err
	}
	if day.IsCategorical() {
		return nil, errors.Errorf("obs column %q must be numeric, got a categorical column", TimeKey)
	}
	p.DayIndex, p.DayValues = indexDays(day.Values)

	cellType, err := xFile.ObsColumn(CellTypeKey)
	if err != nil {
		return nil, err
	}
	if !cellType.IsCategorical() {
		return nil, errors.Errorf("obs column %q must be categorical, got a numeric column", CellTypeKey)
	}
	p.CellType = cellType.Codes
	p.CellTypes = cellType.Categories
	return p, nil
}

// indexDays maps each cell's day to an index into the sorted list of distinct
// day values.
func indexDays(days []float64) (index []int32, values []float64) {
	seen := make(map[float64]bool)
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			values = append(values, d)
		}
	}
	sort.Float64s(values)
	toIndex := make(map[float64]int32, len(values))
	for i, d := range values {
		toIndex[d] = int32(i)
	}
	index = make([]int32, len(days))
	for i, d := range days {
		index[i] = toIndex[d]
	}
	return
}

func (p *PairedData) String() string {
	return fmt.Sprintf("%d cells, %d -> %d features, %d days, %d cell types",
		p.NumCells, p.NumFeaturesX, p.NumFeaturesY, len(p.DayValues), len(p.CellTypes))
}

// Split partitions the cells into a training and a validation set with a
// deterministic pseudo-random permutation. valFraction must be in [0, 1).
func (p *PairedData) Split(valFraction float64, seed int64) (trainRows, validRows []int, err error) {
	return splitRows(p.NumCells, valFraction, seed)
}

func splitRows(numRows int, valFraction float64, seed int64) (trainRows, validRows []int, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, errors.Errorf("val_fraction must be in [0, 1), got %g", valFraction)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(numRows)
	numValid := int(float64(numRows) * valFraction)
	validRows = perm[:numValid]
	trainRows = perm[numValid:]
	if len(trainRows) == 0 {
		return nil, nil, errors.Errorf("no cells left for training: %d cells, val_fraction=%g", numRows, valFraction)
	}
	return trainRows, validRows, nil
}

// tensorsForRows materializes the inputs (x, day, cellType) and label (y)
// tensors for the given subset of cells.
func (p *PairedData) tensorsForRows(rows []int) (inputs, labels []any) {
	n := len(rows)
	x := make([]float32, n*p.NumFeaturesX)
	y := make([]float32, n*p.NumFeaturesY)
	day := make([]int32, n)
	cellType := make([]int32, n)
	for i, row := range rows {
		copy(x[i*p.NumFeaturesX:], p.X[row*p.NumFeaturesX:(row+1)*p.NumFeaturesX])
		copy(y[i*p.NumFeaturesY:], p.Y[row*p.NumFeaturesY:(row+1)*p.NumFeaturesY])
		day[i] = p.DayIndex[row]
		cellType[i] = p.CellType[row]
	}
	inputs = []any{
		tensors.FromFlatDataAndDimensions(x, n, p.NumFeaturesX),
		tensors.FromFlatDataAndDimensions(day, n),
		tensors.FromFlatDataAndDimensions(cellType, n),
	}
	labels = []any{tensors.FromFlatDataAndDimensions(y, n, p.NumFeaturesY)}
	return
}

// NewDatasets builds the three datasets used during training: the shuffled
// and batched training dataset (incomplete last batch dropped, so batch
// shapes stay constant), plus unshuffled evaluation datasets over the
// training and validation subsets.
func (p *PairedData) NewDatasets(backend backends.Backend, trainRows, validRows []int,
	batchSize, evalBatchSize int) (trainDS, trainEvalDS, validEvalDS train.Dataset, err error) {
	if batchSize <= 0 || evalBatchSize <= 0 {
		return nil, nil, nil, errors.Errorf("batch sizes must be positive, got batch_size=%d, eval_batch_size=%d",
			batchSize, evalBatchSize)
	}
	if batchSize > len(trainRows) {
		return nil, nil, nil, errors.Errorf("batch_size=%d larger than the training split of %d cells",
			batchSize, len(trainRows))
	}

	inputs, labels := p.tensorsForRows(trainRows)
	trainInMemory, err := data.InMemoryFromData(backend, "train", inputs, labels)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "building training dataset")
	}
	trainDS = trainInMemory.Copy().BatchSize(batchSize, true).Shuffle()
	trainEvalDS = trainInMemory.BatchSize(evalBatchSize, false)

	if len(validRows) > 0 {
		inputs, labels = p.tensorsForRows(validRows)
		var validInMemory *data.InMemoryDataset
		validInMemory, err = data.InMemoryFromData(backend, "validation", inputs, labels)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "building validation dataset")
		}
		validEvalDS = validInMemory.BatchSize(evalBatchSize, false)
	}
	return
}
