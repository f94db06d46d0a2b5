package io

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// DataRecord is one labelled sample.
type DataRecord struct {
	Label  string
	Sample []float64
}

type DataParameters struct {
	// DataFile is the CSV to read, stdin when empty or "-".
	DataFile    string
	LabelColumn string
}

type DataError struct {
	Line  int
	Error string
}

// LoadData reads a CSV file whose first line is a header. The label column
// holds the class name and every other column a numeric feature, in header order.
// Lines that cannot be parsed are reported as DataErrors and skipped.
func LoadData(p DataParameters) ([]*DataRecord, []DataError, error) {
	if p.DataFile == "" || p.DataFile == "-" {
		return ReadData(os.Stdin, p.LabelColumn)
	}
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()
	return ReadData(inputFile, p.LabelColumn)
}

func ReadData(input io.Reader, labelColumn string) ([]*DataRecord, []DataError, error) {
	reader := csv.NewReader(input)
	reader.Comma = ','
	reader.FieldsPerRecord = -1

	//First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("error reading data header: %w", err)
	}
	labelIndex, err := findColumn(header, labelColumn)
	if err != nil {
		return nil, nil, err
	}

	var records []*DataRecord
	var errors []DataError
	currentLine := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		currentLine++
		if err != nil {
			return nil, nil, fmt.Errorf("error reading data at line %d: %w", currentLine, err)
		}
		if len(record) != len(header) {
			errors = append(errors, DataError{
				Line:  currentLine,
				Error: fmt.Sprintf("expected %d columns, got %d", len(header), len(record)),
			})
			continue
		}

		r, err := parseRecord(header, record, labelIndex)
		if err != nil {
			errors = append(errors, DataError{
				Line:  currentLine,
				Error: err.Error(),
			})
			continue
		}
		records = append(records, r)
	}

	return records, errors, nil
}

func parseRecord(header, record []string, labelIndex int) (*DataRecord, error) {
	r := &DataRecord{
		Label:  record[labelIndex],
		Sample: make([]float64, 0, len(record)-1),
	}
	if r.Label == "" {
		return nil, fmt.Errorf("empty label")
	}
	for column, field := range record {
		if column == labelIndex {
			continue
		}
		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing feature %s: %w", header[column], err)
		}
		r.Sample = append(r.Sample, value)
	}
	return r, nil
}

func findColumn(header []string, name string) (int, error) {
	for i, col := range header {
		if col == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("label column %s not found in data header", name)
}
