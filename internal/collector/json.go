package collector

import (
	"context"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONFeed collects the objects found at recordsPath in a JSON document.
type JSONFeed struct {
	*feed
	recordsPath string
}

func (j *JSONFeed) Collect(ctx context.Context) ([]model.Record, error) {
	body, err := j.get(ctx)
	if err != nil {
		return nil, err
	}
	records, err := ExtractRecords(body, j.recordsPath)
	if err != nil {
		return nil, eris.Wrapf(err, "collector: %s", j.name)
	}
	for _, rec := range records {
		j.stamp(rec)
	}
	j.logger.Debug("collector: json feed read", zap.Int("records", len(records)))
	return records, nil
}

// ExtractRecords decodes body and returns the objects at the dotted path (the root
// when path is empty). The node may be an array of objects or a single object;
// non-object array items are dropped.
func ExtractRecords(body []byte, path string) ([]model.Record, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "decode json")
	}

	node := raw
	if path = strings.Trim(path, "."); path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := node.(map[string]interface{})
			if !ok {
				return nil, eris.Errorf("records_path %q: %q is not inside an object", path, part)
			}
			next, ok := obj[part]
			if !ok {
				return nil, eris.Errorf("records_path %q: key %q not found", path, part)
			}
			node = next
		}
	}

	switch data := node.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]model.Record, 0, len(data))
		for _, item := range data {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, model.Record(m))
			}
		}
		return out, nil
	case map[string]interface{}:
		return []model.Record{model.Record(data)}, nil
	default:
		return nil, eris.Errorf("unexpected JSON structure %T", node)
	}
}
