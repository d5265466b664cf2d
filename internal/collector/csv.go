package collector

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/model"
	"sports-ingest/pkg/utils"
)

// CSVFeed collects the rows of a CSV document keyed by its header row.
type CSVFeed struct {
	*feed
}

func (c *CSVFeed) Collect(ctx context.Context) ([]model.Record, error) {
	body, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	records, skipped, err := ParseCSV(body)
	if err != nil {
		return nil, eris.Wrapf(err, "collector: %s", c.name)
	}
	for _, rec := range records {
		c.stamp(rec)
	}
	if skipped > 0 {
		c.logger.Warn("collector: malformed csv rows skipped", zap.Int("skipped", skipped))
	}
	c.logger.Debug("collector: csv feed read", zap.Int("records", len(records)))
	return records, nil
}

// ParseCSV reads body with the first row as header. Numeric cells become numbers.
// Rows that fail to parse are skipped and counted.
func ParseCSV(body []byte) ([]model.Record, int, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, eris.Wrap(err, "read csv header")
	}
	for i, h := range headers {
		headers[i] = strings.ReplaceAll(strings.TrimSpace(h), `"`, "")
	}

	var (
		out     []model.Record
		skipped int
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		if err != nil {
			skipped++
			continue
		}
		rec := make(model.Record, len(headers))
		for i, h := range headers {
			if h == "" || i >= len(row) {
				continue
			}
			rec[h] = utils.ParseValue(row[i])
		}
		out = append(out, rec)
	}
}
