package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

// shardHeader is the first row of every shard file. The source currency is
// implied by the shard's directory.
var shardHeader = []string{"date", "to_curr", "provider", "rate", "markup"}

const shardExt = ".csv"

// shardPath returns "<SOURCE>/<year>.csv".
func shardPath(source string, year int) string {
	return source + "/" + strconv.Itoa(year) + shardExt
}

// parseShardPath extracts the year from "<SOURCE>/<year>.csv".
func parseShardPath(source, p string) (int, bool) {
	rest, ok := strings.CutPrefix(p, source+"/")
	if !ok {
		return 0, false
	}
	yearText, ok := strings.CutSuffix(rest, shardExt)
	if !ok || strings.Contains(yearText, "/") {
		return 0, false
	}
	year, err := strconv.Atoi(yearText)
	if err != nil || year <= 0 {
		return 0, false
	}
	return year, true
}

func encodeShard(rows []archive.Observation) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(shardHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, o := range rows {
		markup := ""
		if o.Markup.Valid {
			markup = o.Markup.Decimal.String()
		}
		record := []string{o.Date.String(), o.Target, string(o.Provider), o.Rate.String(), markup}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeCSV renders rows of one source currency in the shard format.
func EncodeCSV(rows []archive.Observation) ([]byte, error) {
	return encodeShard(rows)
}

func decodeShard(source string, data []byte) ([]archive.Observation, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(shardHeader)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(shardHeader, ",") {
		return nil, fmt.Errorf("unexpected shard header %v", header)
	}

	var out []archive.Observation
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		obs, err := decodeRow(source, record)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

func decodeRow(source string, record []string) (archive.Observation, error) {
	date, err := civil.ParseDate(record[0])
	if err != nil {
		return archive.Observation{}, fmt.Errorf("parse date: %w", err)
	}
	rate, err := decimal.NewFromString(record[3])
	if err != nil {
		return archive.Observation{}, fmt.Errorf("parse rate: %w", err)
	}
	obs := archive.Observation{
		Date:     date,
		Source:   source,
		Target:   record[1],
		Provider: archive.Provider(record[2]),
		Rate:     rate,
	}
	if record[4] != "" {
		markup, err := decimal.NewFromString(record[4])
		if err != nil {
			return archive.Observation{}, fmt.Errorf("parse markup: %w", err)
		}
		obs.Markup = decimal.NewNullDecimal(markup)
	}
	return obs, nil
}

// sortObservations orders rows by date, then target, then provider.
func sortObservations(rows []archive.Observation) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Provider < b.Provider
	})
}
