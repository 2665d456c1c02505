// Package dataset loads harmonized survey extracts from CSV into the
// calibration core's design-matrix form.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"svycal/internal/calibration"
)

// defaultMissingTokens are the cell values treated as missing on load.
var defaultMissingTokens = []string{"", "NA", "N/A", "NaN", "."}

// Options selects which columns of a CSV become design-matrix variables.
type Options struct {
	// Variables are the covariate columns, in the order the design matrix
	// should carry them.
	Variables []string
	// WeightColumn, when set, is extracted as a survey weight vector
	// (reference surveys carry their own design weights).
	WeightColumn string
	// IDColumn, when set, is carried through for joining weights back onto
	// the record set. When empty, 1-based row numbers are used.
	IDColumn string
	// MissingTokens overrides the default set of cell values read as NaN.
	MissingTokens []string
}

// Loaded is a parsed survey extract.
type Loaded struct {
	Design  *calibration.DesignMatrix
	Weights []float64
	IDs     []string
}

// LoadCSV reads a header-driven CSV extract. Unknown columns are ignored;
// every requested column must exist. Rows with the wrong field count are a
// hard error (the csv reader enforces a rectangular file).
func LoadCSV(path string, opts Options) (*Loaded, error) {
	if len(opts.Variables) == 0 {
		return nil, fmt.Errorf("no variables requested from %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	stripBOM(header)

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.TrimSpace(name)] = i
	}

	varCols := make([]int, len(opts.Variables))
	for i, v := range opts.Variables {
		idx, ok := colIndex[v]
		if !ok {
			return nil, fmt.Errorf("dataset %s has no column %q", path, v)
		}
		varCols[i] = idx
	}

	weightCol := -1
	if opts.WeightColumn != "" {
		idx, ok := colIndex[opts.WeightColumn]
		if !ok {
			return nil, fmt.Errorf("dataset %s has no weight column %q", path, opts.WeightColumn)
		}
		weightCol = idx
	}
	idCol := -1
	if opts.IDColumn != "" {
		idx, ok := colIndex[opts.IDColumn]
		if !ok {
			return nil, fmt.Errorf("dataset %s has no id column %q", path, opts.IDColumn)
		}
		idCol = idx
	}

	missing := opts.MissingTokens
	if missing == nil {
		missing = defaultMissingTokens
	}
	isMissing := func(s string) bool {
		s = strings.TrimSpace(s)
		for _, tok := range missing {
			if strings.EqualFold(s, tok) {
				return true
			}
		}
		return false
	}

	loaded := &Loaded{}
	var rows [][]float64
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", path, line+1, err)
		}
		line++

		row := make([]float64, len(varCols))
		for i, c := range varCols {
			cell := record[c]
			if isMissing(cell) {
				row[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s line %d column %q: %w", path, line, opts.Variables[i], err)
			}
			row[i] = v
		}
		rows = append(rows, row)

		if weightCol >= 0 {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[weightCol]), 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s line %d weight: %w", path, line, err)
			}
			loaded.Weights = append(loaded.Weights, v)
		}
		if idCol >= 0 {
			loaded.IDs = append(loaded.IDs, strings.TrimSpace(record[idCol]))
		} else {
			loaded.IDs = append(loaded.IDs, strconv.Itoa(line-1))
		}
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("dataset %s has no data rows", path)
	}

	design, err := calibration.NewDesignMatrix(opts.Variables, rows)
	if err != nil {
		return nil, fmt.Errorf("build design matrix from %s: %w", path, err)
	}
	loaded.Design = design
	return loaded, nil
}

func stripBOM(header []string) {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
}
