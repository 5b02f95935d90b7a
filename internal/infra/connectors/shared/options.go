// Package shared holds helpers common to connector implementations.
package shared

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldgate/errs"
)

// Decode copies loosely typed connector options into out. Unknown keys are rejected.
func Decode(component string, options map[string]any, out any) error {
	if len(options) == 0 {
		options = map[string]any{}
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return errs.New(component, errs.CodeConfiguration, errs.WithMessage("encode options"), errs.WithCause(err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.New(component, errs.CodeConfiguration, errs.WithMessage(fmt.Sprintf("invalid options: %v", err)), errs.WithCause(err))
	}
	return nil
}

// Duration accepts Go duration strings or integer milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Required reports a Configuration error when value is blank.
func Required(component, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.New(component, errs.CodeConfiguration, errs.WithMessage(name+" is required"))
	}
	return nil
}

// Transport wraps a retryable delivery or acquisition failure.
func Transport(component, message string, err error) error {
	return errs.New(component, errs.CodeTransport, errs.WithMessage(message), errs.WithCause(err))
}

// Rejected wraps a failure the remote will never accept for this payload.
func Rejected(component, message string, err error) error {
	return errs.New(component, errs.CodeInvalid, errs.Permanent(), errs.WithMessage(message), errs.WithCause(err))
}

// Disconnected reports a call made before Connect.
func Disconnected(component string) error {
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage("not connected"))
}

// Invalid reports unusable options.
func Invalid(component, message string) error {
	return errs.New(component, errs.CodeConfiguration, errs.WithMessage(message))
}
