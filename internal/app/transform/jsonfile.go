package transform

import (
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

// JSONFile writes a values batch to a JSON array file.
type JSONFile struct {
	indent bool
}

// NewJSONFile builds a JSON file transformer. Options: indent.
func NewJSONFile(options map[string]any) (Transformer, error) {
	return &JSONFile{indent: boolOption(options, "indent", false)}, nil
}

func (j *JSONFile) Name() string { return "json" }
func (j *JSONFile) InputType() content.Type { return content.TypeTimeValues }
func (j *JSONFile) OutputType() content.Type { return content.TypeFile }

// Transform encodes the values into a new file under workDir.
func (j *JSONFile) Transform(ctx context.Context, in content.Payload, workDir string) (content.Payload, error) {
	if err := ctx.Err(); err != nil {
		return content.Payload{}, err
	}
	if in.Type != content.TypeTimeValues {
		return content.Payload{}, errs.New("transform.json", errs.CodeInvalid, errs.Permanent(),
			errs.WithMessage(fmt.Sprintf("unexpected input type %q", in.Type)))
	}
	path, name, err := writeOutput(workDir, ".json", func(w io.Writer) error {
		enc := json.NewEncoder(w)
		if j.indent {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(in.Values)
	})
	if err != nil {
		return content.Payload{}, err
	}
	return content.Payload{Type: content.TypeFile, FilePath: path, Filename: name}, nil
}
