package transform

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

// CSV renders a values batch as a CSV file with pointId, timestamp and value columns.
type CSV struct {
	delimiter       rune
	header          bool
	timestampLayout string
}

// NewCSV builds a CSV transformer. Options: delimiter, header, timestampFormat.
func NewCSV(options map[string]any) (Transformer, error) {
	delimiter := stringOption(options, "delimiter", ",")
	r, size := utf8.DecodeRuneInString(delimiter)
	if size != len(delimiter) || r == '"' || r == '\n' {
		return nil, fmt.Errorf("invalid csv delimiter %q", delimiter)
	}
	return &CSV{
		delimiter:       r,
		header:          boolOption(options, "header", true),
		timestampLayout: stringOption(options, "timestampFormat", time.RFC3339Nano),
	}, nil
}

func (c *CSV) Name() string { return "csv" }
func (c *CSV) InputType() content.Type { return content.TypeTimeValues }
func (c *CSV) OutputType() content.Type { return content.TypeFile }

// Transform writes the values into a new CSV file under workDir.
func (c *CSV) Transform(ctx context.Context, in content.Payload, workDir string) (content.Payload, error) {
	if err := ctx.Err(); err != nil {
		return content.Payload{}, err
	}
	if in.Type != content.TypeTimeValues {
		return content.Payload{}, errs.New("transform.csv", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage(fmt.Sprintf("unexpected input type %q", in.Type)))
	}
	path, name, err := writeOutput(workDir, ".csv", func(w io.Writer) error {
		writer := csv.NewWriter(w)
		writer.Comma = c.delimiter
		if c.header {
			if err := writer.Write([]string{"pointId", "timestamp", "value"}); err != nil {
				return err
			}
		}
		for _, v := range in.Values {
			record := []string{v.PointID, v.Timestamp.UTC().Format(c.timestampLayout), cellValue(v.Data)}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
	if err != nil {
		return content.Payload{}, err
	}
	return content.Payload{Type: content.TypeFile, FilePath: path, Filename: name}, nil
}

// cellValue extracts data.value when present and normalises numbers.
func cellValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return string(raw)
	}
	if obj, ok := payload.(map[string]any); ok {
		if v, ok := obj["value"]; ok {
			payload = v
		} else {
			return strings.TrimSpace(string(raw))
		}
	}
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d.String()
		}
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
