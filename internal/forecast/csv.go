package forecast

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCSV reads forecasts from a CSV file. Expected header:
// ts,horizon,q0.10,q0.50,q0.90 — any number of q<level> columns.
func LoadCSV(path, symbol string) ([]Forecast, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("forecast.LoadCSV: open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("forecast.LoadCSV: read header: %w", err)
	}

	tsCol, horizonCol := -1, -1
	type qcol struct {
		idx   int
		level float64
	}
	var qcols []qcol
	for i, name := range header {
		switch {
		case name == "ts":
			tsCol = i
		case name == "horizon":
			horizonCol = i
		case strings.HasPrefix(name, "q"):
			level, err := strconv.ParseFloat(strings.TrimPrefix(name, "q"), 64)
			if err != nil || level <= 0 || level >= 1 {
				return nil, fmt.Errorf("forecast.LoadCSV: bad quantile column %q", name)
			}
			qcols = append(qcols, qcol{idx: i, level: level})
		}
	}
	if tsCol < 0 || len(qcols) == 0 {
		return nil, fmt.Errorf("forecast.LoadCSV: %q needs a ts column and at least one q<level> column", path)
	}

	var fcs []Forecast
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("forecast.LoadCSV: line %d: %w", line, err)
		}
		line++

		ts, err := time.Parse(time.RFC3339, rec[tsCol])
		if err != nil {
			return nil, fmt.Errorf("forecast.LoadCSV: line %d: bad timestamp: %w", line, err)
		}
		fc := Forecast{Symbol: symbol, TS: ts, Horizon: 1}
		if horizonCol >= 0 {
			h, err := strconv.Atoi(rec[horizonCol])
			if err != nil {
				return nil, fmt.Errorf("forecast.LoadCSV: line %d: bad horizon: %w", line, err)
			}
			fc.Horizon = h
		}
		for _, qc := range qcols {
			v, err := strconv.ParseFloat(rec[qc.idx], 64)
			if err != nil {
				return nil, fmt.Errorf("forecast.LoadCSV: line %d: bad value for q%.2f: %w", line, qc.level, err)
			}
			fc.Quantiles = append(fc.Quantiles, Quantile{Level: qc.level, Value: v})
		}
		fc.Normalize()
		fcs = append(fcs, fc)
	}
	return fcs, nil
}
