// Copyright 2025 The scmodal Authors. SPDX-License-Identifier: Apache-2.0

// Package anndata reads AnnData containers (".h5ad" files), the standard
// on-disk format for annotated single-cell expression matrices.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more
// specifically the `h5dump` binary. It is basic, but provides the necessary
// functionality to read the pieces a training pipeline needs: the `X`
// expression matrix (dense or CSR-encoded), `obs` annotation columns (numeric
// or categorical) and `var` feature names.
package anndata

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Contents is a map of all the datasets present in an HDF5 file. The key is
// the path built from the concatenation of the "group" (how HDF5 calls
// directories or folders) with the dataset name, separated by a "/" character.
type Contents map[string]*Dataset

// Dataset has (some of) the metadata about an HDF5 dataset, but not the data
// itself. Use Floats, Ints or Strings to extract the data.
type Dataset struct {
	FilePath, GroupPath, RawHeader string

	// DType of the elements. dtypes.InvalidDType for non-numeric datasets.
	DType dtypes.DType

	// IsString is set for (fixed or variable length) string datasets.
	IsString bool

	// Dims of the dataset. Empty for scalar datasets.
	Dims []int
}

// H5DumpBinary is the executable used to access HDF5 files.
const H5DumpBinary = "h5dump"

// ParseFile lists the datasets of the HDF5 file in filePath, along with their
// types and dimensions.
func ParseFile(filePath string) (contents Contents, err error) {
	if _, err = os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}

	// List the contents of the filePath.
	contentsBytes, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	matches := regexpH5Datasets.FindAllStringSubmatch(string(contentsBytes), -1)
	contents = make(Contents, len(matches))
	for _, match := range matches {
		groupPath := match[1]
		// In case someone inserted args into a dataset name ('--help', etc).
		if strings.HasPrefix(groupPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		contents[groupPath] = &Dataset{
			FilePath:  filePath,
			GroupPath: groupPath,
		}
	}

	// Read header for datasets.
	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for key := range contents {
		headerArgs = append(headerArgs, "--dataset="+key)
	}
	headerArgs = append(headerArgs, filePath)
	headerBytes, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	rawDatasetHeaders := strings.Split(string(headerBytes), "DATASET")
	if len(rawDatasetHeaders)-1 != len(contents) {
		return nil, errors.Errorf("failed to parse dataset headers for %q: expected %d DATASET, got %d",
			filePath, len(contents), len(rawDatasetHeaders)-1)
	}
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return nil, errors.Errorf("failed to parse dataset headers for %q: got %q", filePath, part)
		}
		key := matches[1]
		ds, found := contents[key]
		if !found {
			return nil, errors.Errorf("unknown headers for %q: got %q", filePath, part)
		}
		ds.RawHeader = "DATASET" + part

		// Parse data type.
		matches = regexpH5DatasetHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			// DType not parseable, leave dataset as opaque.
			continue
		}
		if strings.HasPrefix(matches[1], "H5T_STRING") {
			ds.IsString = true
		} else {
			ds.DType = DTypeForH5T(matches[1])
			if ds.DType == dtypes.InvalidDType {
				continue
			}
		}

		// Parse DATASPACE.
		matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			continue
		}
		switch matches[1] {
		case "SCALAR":
			ds.Dims = []int{}
		case "SIMPLE":
			dimsParts := strings.Split(matches[3], ",")
			dims := make([]int, 0, len(dimsParts))
			for _, dimStr := range dimsParts {
				dim, numErr := strconv.Atoi(strings.TrimSpace(dimStr))
				if numErr != nil {
					dims = nil
					break
				}
				dims = append(dims, dim)
			}
			ds.Dims = dims
		default:
			// Dataspace type isn't supported, leave Dims unset.
		}
	}
	return contents, nil
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// DTypeForH5T returns the DType corresponding to known HDF5 numeric types. If
// not known/supported, returns an invalid dtype.
func DTypeForH5T(h5type string) (dtype dtypes.DType) {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I8LE", "H5T_STD_I8BE":
		return dtypes.Int8
	case "H5T_STD_I16LE", "H5T_STD_I16BE":
		return dtypes.Int16
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	case "H5T_STD_U8LE", "H5T_STD_U8BE":
		return dtypes.Uint8
	}
	return dtypes.InvalidDType
}

// NumElements of the dataset, or 0 for scalars and datasets whose dataspace
// could not be parsed.
func (ds *Dataset) NumElements() int {
	if len(ds.Dims) == 0 {
		return 0
	}
	n := 1
	for _, dim := range ds.Dims {
		n *= dim
	}
	return n
}

// Load extracts the raw binary contents of the dataset, in the machine's
// native byte order.
func (ds *Dataset) Load() (rawContent []byte, err error) {
	tmpFile, err := os.CreateTemp("", "anndata_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	rawContent, err = os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
	}
	if newErr := os.Remove(tmpFile.Name()); newErr != nil {
		klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), newErr)
	}
	return rawContent, nil
}

// Floats extracts the dataset contents converted to float32, the dtype used
// throughout training. The dataset must be of a known numeric dtype.
//
// The conversion assumes a little-endian host, the same assumption the
// "NATIVE" binary extraction makes on the supported platforms.
func (ds *Dataset) Floats() ([]float32, error) {
	raw, err := ds.Load()
	if err != nil {
		return nil, err
	}
	n := ds.NumElements()
	if err = ds.checkRawSize(raw, n); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	switch ds.DType {
	case dtypes.Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case dtypes.Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64, dtypes.Uint8:
		ints, err := ds.intsFromRaw(raw, n)
		if err != nil {
			return nil, err
		}
		for i, v := range ints {
			out[i] = float32(v)
		}
	default:
		return nil, errors.Errorf("dataset %q of %q: dtype %s not supported for float extraction",
			ds.GroupPath, ds.FilePath, ds.DType)
	}
	return out, nil
}

// Ints extracts the dataset contents converted to int64. The dataset must be
// of a known integer dtype.
func (ds *Dataset) Ints() ([]int64, error) {
	raw, err := ds.Load()
	if err != nil {
		return nil, err
	}
	n := ds.NumElements()
	if err = ds.checkRawSize(raw, n); err != nil {
		return nil, err
	}
	return ds.intsFromRaw(raw, n)
}

func (ds *Dataset) checkRawSize(raw []byte, numElements int) error {
	if ds.DType == dtypes.InvalidDType {
		return errors.Errorf("dataset %q of %q has no supported numeric dtype (is it a string dataset?)",
			ds.GroupPath, ds.FilePath)
	}
	want := numElements * ds.DType.Size()
	if len(raw) != want {
		return errors.Errorf("dataset %q of %q: extracted %d bytes, but dims %v of %s require %d bytes",
			ds.GroupPath, ds.FilePath, len(raw), ds.Dims, ds.DType, want)
	}
	return nil
}

func (ds *Dataset) intsFromRaw(raw []byte, n int) ([]int64, error) {
	out := make([]int64, n)
	switch ds.DType {
	case dtypes.Int8:
		for i := range out {
			out[i] = int64(int8(raw[i]))
		}
	case dtypes.Int16:
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case dtypes.Int32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case dtypes.Int64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case dtypes.Uint8:
		for i := range out {
			out[i] = int64(raw[i])
		}
	default:
		return nil, errors.Errorf("dataset %q of %q: dtype %s is not an integer type",
			ds.GroupPath, ds.FilePath, ds.DType)
	}
	return out, nil
}

// Strings extracts the contents of a string dataset.
//
// Variable-length HDF5 strings cannot be extracted with the binary dump (it
// yields pointers), so this parses `h5dump`'s text output instead.
func (ds *Dataset) Strings() ([]string, error) {
	if !ds.IsString {
		return nil, errors.Errorf("dataset %q of %q is not a string dataset", ds.GroupPath, ds.FilePath)
	}
	output, err := execH5Dump("--dataset="+ds.GroupPath, ds.FilePath)
	if err != nil {
		return nil, err
	}
	values, err := parseStringData(output)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q of %q", ds.GroupPath, ds.FilePath)
	}
	if n := ds.NumElements(); n > 0 && len(values) != n {
		return nil, errors.Errorf("dataset %q of %q: parsed %d strings, header announced %d",
			ds.GroupPath, ds.FilePath, len(values), n)
	}
	return values, nil
}

// StringAttribute reads the string attribute attrName attached to the HDF5
// object (group or dataset) at objPath.
func StringAttribute(filePath, objPath, attrName string) (string, error) {
	output, err := execH5Dump("--attribute="+objPath+"/"+attrName, filePath)
	if err != nil {
		return "", err
	}
	values, err := parseStringData(output)
	if err != nil {
		return "", errors.WithMessagef(err, "attribute %q of %q in %q", attrName, objPath, filePath)
	}
	if len(values) != 1 {
		return "", errors.Errorf("attribute %q of %q in %q: expected 1 string, got %d",
			attrName, objPath, filePath, len(values))
	}
	return values[0], nil
}

// IntsAttribute reads the integer vector attribute attrName attached to the
// HDF5 object at objPath -- e.g. the "shape" attribute of a sparse matrix
// group.
func IntsAttribute(filePath, objPath, attrName string) ([]int, error) {
	output, err := execH5Dump("--attribute="+objPath+"/"+attrName, filePath)
	if err != nil {
		return nil, err
	}
	values, err := parseIntData(output)
	if err != nil {
		return nil, errors.WithMessagef(err, "attribute %q of %q in %q", attrName, objPath, filePath)
	}
	return values, nil
}

var regexpH5QuotedString = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

// dataBlock returns the text between the `DATA {` marker of h5dump's text
// output and its closing brace.
func dataBlock(output []byte) (string, error) {
	text := string(output)
	start := strings.Index(text, "DATA {")
	if start == -1 {
		return "", errors.Errorf("no DATA block found in h5dump output")
	}
	text = text[start+len("DATA {"):]
	depth := 1
	for i, r := range text {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i], nil
			}
		}
	}
	return "", errors.Errorf("unterminated DATA block in h5dump output")
}

func parseStringData(output []byte) ([]string, error) {
	block, err := dataBlock(output)
	if err != nil {
		return nil, err
	}
	matches := regexpH5QuotedString.FindAllStringSubmatch(block, -1)
	values := make([]string, 0, len(matches))
	for _, match := range matches {
		unquoted := strings.ReplaceAll(match[1], `\"`, `"`)
		unquoted = strings.ReplaceAll(unquoted, `\\`, `\`)
		values = append(values, unquoted)
	}
	return values, nil
}

func parseIntData(output []byte) ([]int, error) {
	block, err := dataBlock(output)
	if err != nil {
		return nil, err
	}
	var values []int
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Strip the "(N):" index prefix h5dump prepends to each line.
		if idx := strings.Index(line, "):"); idx != -1 && strings.HasPrefix(line, "(") {
			line = line[idx+2:]
		}
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.Atoi(field)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot parse integer %q in h5dump DATA block", field)
			}
			values = append(values, v)
		}
	}
	return values, nil
}

// execH5Dump executes `h5dump`, and handles errors.
func execH5Dump(args ...string) (output []byte, err error) {
	binPath, err := findBinPath()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(binPath, args...)
	if cmd.Err != nil {
		return nil, errors.Wrapf(cmd.Err, "cannot execute %q required to access HDF5 file", cmd)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	err = cmd.Run()
	if err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		err = errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
		return nil, err
	}
	return stdoutBuf.Bytes(), nil
}

func findBinPath() (binPath string, err error) {
	binPath, err = exec.LookPath(H5DumpBinary)
	if err != nil {
		return "", errors.Wrapf(err, "cannot find `h5dump` binary in PATH, needed to parse HDF5 "+
			"format files (extension \".h5ad\") -- please install package hdf5-tools, which usually "+
			"holds `h5dump`")
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	return binPath, nil
}
