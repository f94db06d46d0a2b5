package pkg

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"wisard/pkg/io"
)

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// DataSource selects either a CSV file or a directory of MNIST IDX files.
type DataSource struct {
	DataFile    string
	LabelColumn string
	MNISTDir    string
	MNISTPrefix string
}

func (s DataSource) load() ([]*io.DataRecord, error) {
	if s.MNISTDir != "" {
		records, err := io.LoadMNIST(s.MNISTDir, s.MNISTPrefix)
		if err != nil {
			return nil, fmt.Errorf("error loading MNIST data from %s: %w", s.MNISTDir, err)
		}
		return records, nil
	}

	records, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:    s.DataFile,
		LabelColumn: s.LabelColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("error loading data from %s: %w", s.DataFile, err)
	}
	printDataErrors(dataErrors)
	return records, nil
}

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Msgf("Error parsing data at line %d: %s", err.Line, err.Error)
	}
}
