package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Format is an input encoding.
type Format int

const (
	FormatCSV Format = iota
	FormatJSONLines
)

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONLines, nil
	default:
		return 0, errs.Wrapf(errs.ErrBadInput, "unknown file type %q", filepath.Ext(path))
	}
}

// DecodeFile reads a CSV or JSON lines file. Rows without a series take
// defaultSeries.
func DecodeFile(path, defaultSeries string) ([]types.RawRecord, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, format, defaultSeries)
}

// Decode reads records in the given format.
func Decode(r io.Reader, format Format, defaultSeries string) ([]types.RawRecord, error) {
	switch format {
	case FormatCSV:
		return DecodeCSV(r, defaultSeries)
	case FormatJSONLines:
		return DecodeJSONLines(r, defaultSeries)
	default:
		return nil, errs.Wrapf(errs.ErrBadInput, "unknown format %d", format)
	}
}

// keyColumns are the header names accepted for the temporal key.
var keyColumns = map[string]bool{
	"key":       true,
	"timestamp": true,
	"date":      true,
	"time":      true,
}

// DecodeCSV reads a CSV whose first row names the columns. An empty cell or
// "null" is a null value.
func DecodeCSV(r io.Reader, defaultSeries string) ([]types.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrapf(errs.ErrBadInput, "read header: %v", err)
	}

	type column struct {
		series bool
		key    bool
		field  types.Field
	}
	cols := make([]column, len(header))
	hasKey := false
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case name == "series":
			cols[i].series = true
		case keyColumns[name]:
			if hasKey {
				return nil, errs.Wrapf(errs.ErrBadInput, "more than one key column")
			}
			cols[i].key = true
			hasKey = true
		case isField(name):
			cols[i].field = types.Field(name)
		default:
			return nil, errs.Wrapf(errs.ErrBadInput, "unknown column %q", name)
		}
	}
	if !hasKey {
		return nil, errs.Wrapf(errs.ErrBadInput, "no key column in header")
	}

	var out []types.RawRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrapf(errs.ErrBadInput, "line %d: %v", line, err)
		}

		raw := types.RawRecord{Series: defaultSeries}
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			c := cols[i]
			switch {
			case c.series:
				if cell != "" {
					raw.Series = cell
				}
			case c.key:
				raw.Key = cell
			default:
				v, err := parseCell(cell)
				if err != nil {
					return nil, errs.Wrapf(errs.ErrBadInput, "line %d column %s: %v", line, c.field, err)
				}
				raw.Set(c.field, v)
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

func isField(name string) bool {
	for _, f := range types.AllFields {
		if string(f) == name {
			return true
		}
	}
	return false
}

func parseCell(cell string) (*float64, error) {
	if cell == "" || strings.EqualFold(cell, "null") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", cell)
	}
	return &v, nil
}

// maxLineSize bounds one JSON line.
const maxLineSize = 1 << 20

// DecodeJSONLines reads one JSON object per line. Blank lines are skipped
// and unknown fields are rejected.
func DecodeJSONLines(r io.Reader, defaultSeries string) ([]types.RawRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []types.RawRecord
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()

		var raw types.RawRecord
		if err := dec.Decode(&raw); err != nil {
			return nil, errs.Wrapf(errs.ErrBadInput, "line %d: %v", line, err)
		}
		if raw.Series == "" {
			raw.Series = defaultSeries
		}
		out = append(out, raw)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrapf(errs.ErrBadInput, "read: %v", err)
	}
	return out, nil
}
