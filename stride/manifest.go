package stride

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

const maxScanTokenSize = 10 * 1024 * 1024 // 10MB

// csvColumns is the fixed column order for CSV manifests.
var csvColumns = []string{"exp", "run", "access_mode", "detector_name", "event"}

// -----------------------------------------------------------------------------
// JSONL manifests
// -----------------------------------------------------------------------------

// ReadHandlesJSONL reads an ordered handle list from JSON Lines, one handle
// object per line. Blank lines are skipped.
func ReadHandlesJSONL(r io.Reader) ([]Handle, error) {
	var handles []Handle
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var h Handle
		if err := jsonCodec.Unmarshal(line, &h); err != nil {
			return nil, fmt.Errorf("stride: manifest line %d: %w", len(handles)+1, err)
		}
		handles = append(handles, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return handles, nil
}

// WriteHandlesJSONL writes the handle list as JSON Lines.
func WriteHandlesJSONL(w io.Writer, handles []Handle) error {
	enc := jsonCodec.NewEncoder(w)
	for i := range handles {
		if err := enc.Encode(&handles[i]); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// CSV manifests
// -----------------------------------------------------------------------------

// ReadHandlesCSV reads an ordered handle list from CSV with columns
// exp, run, access_mode, detector_name, event. A leading header row matching
// the column names is skipped.
func ReadHandlesCSV(r io.Reader) ([]Handle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvColumns)

	var handles []Handle
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stride: manifest row %d: %w", row+1, err)
		}
		row++

		if row == 1 && isCSVHeader(record) {
			continue
		}

		run, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("stride: manifest row %d: run: %w", row, err)
		}
		event, err := strconv.Atoi(record[4])
		if err != nil {
			return nil, fmt.Errorf("stride: manifest row %d: event: %w", row, err)
		}

		handles = append(handles, Handle{
			Experiment: record[0],
			Run:        run,
			AccessMode: record[2],
			Detector:   record[3],
			Event:      event,
		})
	}
	return handles, nil
}

func isCSVHeader(record []string) bool {
	for i, name := range csvColumns {
		if record[i] != name {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Parquet manifests
// -----------------------------------------------------------------------------

// ReadHandlesParquet reads an ordered handle list from a Parquet file.
// size is the total length of the file in bytes.
func ReadHandlesParquet(r io.ReaderAt, size int64) ([]Handle, error) {
	handles, err := parquet.Read[Handle](r, size)
	if err != nil {
		return nil, fmt.Errorf("stride: parquet manifest: %w", err)
	}
	return handles, nil
}

// WriteHandlesParquet writes the handle list as a Parquet file.
func WriteHandlesParquet(w io.Writer, handles []Handle) error {
	if err := parquet.Write(w, handles); err != nil {
		return fmt.Errorf("stride: parquet manifest: %w", err)
	}
	return nil
}
