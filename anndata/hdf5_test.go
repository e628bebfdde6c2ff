// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

package anndata

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTypeForH5T(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DTypeForH5T("H5T_IEEE_F32LE"))
	assert.Equal(t, dtypes.Float64, DTypeForH5T("H5T_IEEE_F64LE"))
	assert.Equal(t, dtypes.Int8, DTypeForH5T("H5T_STD_I8LE"))
	assert.Equal(t, dtypes.Int32, DTypeForH5T("H5T_STD_I32LE"))
	assert.Equal(t, dtypes.Int64, DTypeForH5T("H5T_STD_I64LE"))
	assert.Equal(t, dtypes.Uint8, DTypeForH5T("H5T_STD_U8LE"))
	assert.Equal(t, dtypes.InvalidDType, DTypeForH5T("H5T_COMPOUND"))
}

func TestDatasetHeaderRegexps(t *testing.T) {
	contentsOutput := `HDF5 "cite_train_x.h5ad" {
FILE_CONTENTS {
 group      /
 group      /X
 dataset    /X/data
 dataset    /X/indices
 dataset    /X/indptr
 group      /obs
 dataset    /obs/day
 }
}
`
	matches := regexpH5Datasets.FindAllStringSubmatch(contentsOutput, -1)
	require.Len(t, matches, 4)
	var names []string
	for _, m := range matches {
		names = append(names, m[1])
	}
	assert.Equal(t, []string{"/X/data", "/X/indices", "/X/indptr", "/obs/day"}, names)

	header := `DATASET "/obs/day" {
   DATATYPE  H5T_IEEE_F64LE
   DATASPACE  SIMPLE { ( 70988 ) / ( 70988 ) }
}
`
	m := regexpH5DatasetHeaderName.FindStringSubmatch(header)
	require.Len(t, m, 2)
	assert.Equal(t, "/obs/day", m[1])
	m = regexpH5DatasetHeaderDataType.FindStringSubmatch(header)
	require.Len(t, m, 2)
	assert.Equal(t, "H5T_IEEE_F64LE", m[1])
	m = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(header)
	require.Len(t, m, 4)
	assert.Equal(t, "SIMPLE", m[1])
	assert.Equal(t, "70988", strings.TrimSpace(m[3]))
}

func TestDataBlock(t *testing.T) {
	output := []byte(`HDF5 "f.h5ad" {
DATASET "/var/_index" {
   DATATYPE  H5T_STRING { STRSIZE H5T_VARIABLE; }
   DATASPACE  SIMPLE { ( 2 ) / ( 2 ) }
   DATA {
   (0): "CD86", "CD274"
   }
}
}
`)
	block, err := dataBlock(output)
	require.NoError(t, err)
	assert.Contains(t, block, `"CD86"`)
	assert.Contains(t, block, `"CD274"`)

	_, err = dataBlock([]byte("HDF5 {}\n"))
	require.Error(t, err)

	_, err = dataBlock([]byte("DATA { unterminated"))
	require.Error(t, err)
}

func TestParseStringData(t *testing.T) {
	output := []byte(`HDF5 "f.h5ad" {
DATASET "/obs/cell_type/categories" {
   DATATYPE  H5T_STRING { STRSIZE H5T_VARIABLE; }
   DATASPACE  SIMPLE { ( 3 ) / ( 3 ) }
   DATA {
   (0): "BP", "EryP",
   (2): "HSC \"putative\""
   }
}
}
`)
	values, err := parseStringData(output)
	require.NoError(t, err)
	assert.Equal(t, []string{"BP", "EryP", `HSC "putative"`}, values)
}

func TestParseIntData(t *testing.T) {
	output := []byte(`HDF5 "f.h5ad" {
ATTRIBUTE "shape" {
   DATATYPE  H5T_STD_I64LE
   DATASPACE  SIMPLE { ( 2 ) / ( 2 ) }
   DATA {
   (0): 70988, 22050
   }
}
}
`)
	values, err := parseIntData(output)
	require.NoError(t, err)
	assert.Equal(t, []int{70988, 22050}, values)

	multiLine := []byte(`DATA {
   (0): 0, 3, 5,
   (3): 9
   }`)
	values, err = parseIntData(multiLine)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 5, 9}, values)

	_, err = parseIntData([]byte("DATA {\n   (0): not_a_number\n}"))
	require.Error(t, err)
}

func TestIntsFromRaw(t *testing.T) {
	ds := &Dataset{GroupPath: "/X/indices", DType: dtypes.Int32, Dims: []int{3}}
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:], uint32(7))
	binary.LittleEndian.PutUint32(raw[4:], ^uint32(0)) // -1
	binary.LittleEndian.PutUint32(raw[8:], uint32(1<<20))
	values, err := ds.intsFromRaw(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, -1, 1 << 20}, values)

	ds = &Dataset{GroupPath: "/obs/codes", DType: dtypes.Int8, Dims: []int{2}}
	values, err = ds.intsFromRaw([]byte{0xFF, 0x02}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 2}, values)

	ds = &Dataset{GroupPath: "/X", DType: dtypes.Float32, Dims: []int{1}}
	_, err = ds.intsFromRaw(make([]byte, 4), 1)
	require.Error(t, err)
}

func TestCheckRawSize(t *testing.T) {
	ds := &Dataset{GroupPath: "/X", DType: dtypes.Float32, Dims: []int{2, 3}}
	require.NoError(t, ds.checkRawSize(make([]byte, 24), 6))
	require.Error(t, ds.checkRawSize(make([]byte, 20), 6))

	ds = &Dataset{GroupPath: "/var/_index", IsString: true}
	require.Error(t, ds.checkRawSize(nil, 0))
}

func TestNumElements(t *testing.T) {
	assert.Equal(t, 6, (&Dataset{Dims: []int{2, 3}}).NumElements())
	assert.Equal(t, 70988, (&Dataset{Dims: []int{70988}}).NumElements())
	assert.Equal(t, 0, (&Dataset{}).NumElements())
}
