// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package anndata

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// File is an open AnnData (".h5ad") container. It gives access to the central
// `X` expression matrix (cells x features), the per-cell `obs` annotation
// columns and the `var` feature names.
type File struct {
	// Path of the file on disk.
	Path string

	contents Contents

	numObs, numVars int
	sparseX         bool
}

// Minimum number of matrix elements before a progress bar is displayed while
// densifying a sparse X.
const progressBarThreshold = 1 << 22

// Open parses the structure of the AnnData file in path. No matrix data is
// read yet -- see File.Matrix and File.ObsColumn.
func Open(path string) (*File, error) {
	contents, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{Path: path, contents: contents}

	if x, found := contents["/X"]; found {
		// Dense X: dimensions come from the dataset itself.
		if x.DType.IsFloat() && len(x.Dims) == 2 {
			f.numObs, f.numVars = x.Dims[0], x.Dims[1]
			return f, nil
		}
		return nil, errors.Errorf("%q: dataset /X is not a 2D float matrix (dims=%v, dtype=%s)",
			path, x.Dims, x.DType)
	}

	// Sparse X: a group with data/indices/indptr datasets and a shape attribute.
	for _, name := range []string{"/X/data", "/X/indices", "/X/indptr"} {
		if _, found := contents[name]; !found {
			return nil, errors.Errorf("%q: no /X matrix found (neither dense dataset nor sparse group)", path)
		}
	}
	encoding, err := StringAttribute(path, "/X", "encoding-type")
	if err != nil {
		return nil, errors.WithMessagef(err, "%q: cannot determine sparse encoding of /X", path)
	}
	if encoding != "csr_matrix" {
		return nil, errors.Errorf("%q: /X is encoded as %q, only \"csr_matrix\" (and dense) are supported -- "+
			"convert with `adata.X = adata.X.tocsr()` before saving", path, encoding)
	}
	shape, err := IntsAttribute(path, "/X", "shape")
	if err != nil {
		return nil, errors.WithMessagef(err, "%q: cannot read shape of sparse /X", path)
	}
	if len(shape) != 2 {
		return nil, errors.Errorf("%q: sparse /X shape attribute has %d entries, expected 2", path, len(shape))
	}
	f.numObs, f.numVars = shape[0], shape[1]
	f.sparseX = true
	return f, nil
}

// NumObs is the number of observations (cells).
func (f *File) NumObs() int { return f.numObs }

// NumVars is the number of variables (features: genes, proteins, ...).
func (f *File) NumVars() int { return f.numVars }

// Matrix reads the X expression matrix as a row-major [NumObs x NumVars]
// flat slice. Sparse (CSR) matrices are densified.
func (f *File) Matrix() ([]float32, error) {
	if !f.sparseX {
		x := f.contents["/X"]
		values, err := x.Floats()
		if err != nil {
			return nil, err
		}
		if len(values) != f.numObs*f.numVars {
			return nil, errors.Errorf("%q: /X has %d values, expected %d x %d", f.Path, len(values), f.numObs, f.numVars)
		}
		return values, nil
	}
	return f.densifyCSR()
}

func (f *File) densifyCSR() ([]float32, error) {
	data, err := f.contents["/X/data"].Floats()
	if err != nil {
		return nil, err
	}
	indices, err := f.contents["/X/indices"].Ints()
	if err != nil {
		return nil, err
	}
	indptr, err := f.contents["/X/indptr"].Ints()
	if err != nil {
		return nil, err
	}
	dense, err := densify(data, indices, indptr, f.numObs, f.numVars)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q: sparse /X", f.Path)
	}
	return dense, nil
}

// densify converts a CSR triplet (data, indices, indptr) to a row-major dense
// [numObs x numVars] matrix.
func densify(data []float32, indices, indptr []int64, numObs, numVars int) ([]float32, error) {
	if len(indptr) != numObs+1 {
		return nil, errors.Errorf("indptr has %d entries, expected NumObs+1=%d (is the matrix CSC-encoded?)",
			len(indptr), numObs+1)
	}
	if len(indices) != len(data) {
		return nil, errors.Errorf("indices has %d entries, data has %d", len(indices), len(data))
	}

	dense := make([]float32, numObs*numVars)
	var bar *progressbar.ProgressBar
	if len(dense) >= progressBarThreshold {
		klog.V(1).Infof("densifying CSR matrix: %d x %d (%s)",
			numObs, numVars, humanize.IBytes(uint64(len(dense)*4)))
		bar = progressbar.Default(int64(numObs), "densifying")
	}
	for row := 0; row < numObs; row++ {
		start, end := indptr[row], indptr[row+1]
		if start > end || end > int64(len(data)) {
			return nil, errors.Errorf("corrupt indptr at row %d: [%d, %d)", row, start, end)
		}
		rowOffset := row * numVars
		for i := start; i < end; i++ {
			col := indices[i]
			if col < 0 || col >= int64(numVars) {
				return nil, errors.Errorf("column index %d out of range [0, %d) at row %d",
					col, numVars, row)
			}
			dense[rowOffset+int(col)] = data[i]
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return dense, nil
}

// Column is one `obs` annotation column, either numeric (Values set) or
// categorical (Codes and Categories set).
type Column struct {
	Name string

	// Values per cell, for numeric columns.
	Values []float64

	// Codes per cell indexing into Categories, for categorical columns.
	Codes      []int32
	Categories []string
}

// IsCategorical reports whether the column is categorical.
func (c *Column) IsCategorical() bool { return c.Categories != nil }

// ObsColumn reads one per-cell annotation column from the `obs` dataframe.
// It handles plain numeric columns and categorical columns (encoded as a
// group with `codes` and `categories`).
func (f *File) ObsColumn(name string) (*Column, error) {
	col := &Column{Name: name}
	base := "/obs/" + name
	if ds, found := f.contents[base]; found && !ds.IsString {
		values, err := ds.Floats()
		if err != nil {
			return nil, err
		}
		if len(values) != f.numObs {
			return nil, errors.Errorf("%q: obs column %q has %d values, expected %d cells",
				f.Path, name, len(values), f.numObs)
		}
		col.Values = make([]float64, len(values))
		for i, v := range values {
			col.Values[i] = float64(v)
		}
		return col, nil
	}

	codesDS, foundCodes := f.contents[base+"/codes"]
	categoriesDS, foundCategories := f.contents[base+"/categories"]
	if !foundCodes || !foundCategories {
		return nil, errors.Errorf("%q: obs column %q not found (neither numeric nor categorical)", f.Path, name)
	}
	codes, err := codesDS.Ints()
	if err != nil {
		return nil, err
	}
	if len(codes) != f.numObs {
		return nil, errors.Errorf("%q: obs column %q has %d codes, expected %d cells",
			f.Path, name, len(codes), f.numObs)
	}
	categories, err := categoriesDS.Strings()
	if err != nil {
		return nil, err
	}
	col.Codes = make([]int32, len(codes))
	for i, code := range codes {
		if code < 0 || code >= int64(len(categories)) {
			return nil, errors.Errorf("%q: obs column %q has code %d at cell %d, outside of the %d categories "+
				"(missing values are not supported)", f.Path, name, code, i, len(categories))
		}
		col.Codes[i] = int32(code)
	}
	col.Categories = categories
	return col, nil
}

// VarNames reads the feature names (the `var` index).
func (f *File) VarNames() ([]string, error) {
	ds, found := f.contents["/var/_index"]
	if !found {
		// Older writers store the index column name in an attribute; fall back
		// to the conventional alternative.
		ds, found = f.contents["/var/index"]
		if !found {
			return nil, errors.Errorf("%q: no /var index dataset found", f.Path)
		}
	}
	names, err := ds.Strings()
	if err != nil {
		return nil, err
	}
	if len(names) != f.numVars {
		return nil, errors.Errorf("%q: found %d var names, expected %d", f.Path, len(names), f.numVars)
	}
	return names, nil
}

// String implements fmt.Stringer.
func (f *File) String() string {
	layout := "dense"
	if f.sparseX {
		layout = "csr"
	}
	return fmt.Sprintf("AnnData(%q: %d obs x %d vars, X=%s)", f.Path, f.numObs, f.numVars, layout)
}
