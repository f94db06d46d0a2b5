package io

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

const (
	mnistLabelMagic = 2049
	mnistImageMagic = 2051
)

// IDXData is the content of a gzipped IDX file: the dimension sizes from the
// header followed by the raw bytes.
type IDXData struct {
	Sizes []int
	Data  []byte
}

// ReadIDX decodes a gzipped IDX label (magic 2049) or image (magic 2051) file.
func ReadIDX(input io.Reader) (*IDXData, error) {
	gz, err := gzip.NewReader(input)
	if err != nil {
		return nil, fmt.Errorf("error opening gzip stream: %w", err)
	}
	defer gz.Close()

	var magic int32
	if err := binary.Read(gz, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("error reading magic number: %w", err)
	}

	var dims int
	switch magic {
	case mnistLabelMagic:
		dims = 1
	case mnistImageMagic:
		dims = 3
	default:
		return nil, fmt.Errorf("unknown IDX magic number %d", magic)
	}

	header := make([]int32, dims)
	if err := binary.Read(gz, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("error reading IDX sizes: %w", err)
	}
	result := &IDXData{Sizes: make([]int, dims)}
	expected := 1
	for i, s := range header {
		if s < 0 {
			return nil, fmt.Errorf("negative IDX size %d", s)
		}
		result.Sizes[i] = int(s)
		if s > 0 && expected > math.MaxInt/int(s) {
			return nil, fmt.Errorf("IDX sizes %v overflow", header)
		}
		expected *= int(s)
	}

	result.Data, err = io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("error reading IDX data: %w", err)
	}
	if len(result.Data) < expected {
		return nil, fmt.Errorf("IDX data truncated: expected %d bytes, got %d", expected, len(result.Data))
	}
	return result, nil
}

func readIDXFile(path string) (*IDXData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()
	data, err := ReadIDX(f)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return data, nil
}

// LoadMNIST reads <dir>/<prefix>-labels-idx1-ubyte.gz and
// <dir>/<prefix>-images-idx3-ubyte.gz, e.g. prefix "train" or "t10k".
// Pixels become the sample values and digits the labels.
func LoadMNIST(dir, prefix string) ([]*DataRecord, error) {
	labels, err := readIDXFile(filepath.Join(dir, prefix+"-labels-idx1-ubyte.gz"))
	if err != nil {
		return nil, err
	}
	images, err := readIDXFile(filepath.Join(dir, prefix+"-images-idx3-ubyte.gz"))
	if err != nil {
		return nil, err
	}
	if len(labels.Sizes) != 1 || len(images.Sizes) != 3 {
		return nil, fmt.Errorf("unexpected IDX layout for %s", prefix)
	}
	count := labels.Sizes[0]
	if images.Sizes[0] != count {
		return nil, fmt.Errorf("%d labels for %d images", count, images.Sizes[0])
	}

	pixels := images.Sizes[1] * images.Sizes[2]
	if pixels > 0 && count > len(images.Data)/pixels {
		return nil, fmt.Errorf("%d images of %d pixels exceed %d bytes of data", count, pixels, len(images.Data))
	}
	records := make([]*DataRecord, count)
	for i := range records {
		sample := make([]float64, pixels)
		for j, px := range images.Data[i*pixels : (i+1)*pixels] {
			sample[j] = float64(px)
		}
		records[i] = &DataRecord{
			Label:  strconv.Itoa(int(labels.Data[i])),
			Sample: sample,
		}
	}
	return records, nil
}
