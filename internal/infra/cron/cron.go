// Package cron parses six-field cron expressions (seconds first) and describes them.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/coachpo/fieldgate/errs"
)

const fieldCount = 6

// Schedule is a parsed cron expression.
type Schedule struct {
	text string
	expr *cronexpr.Expression
}

// Parse validates text as a six-field expression: second minute hour day-of-month month day-of-week.
func Parse(text string) (*Schedule, error) {
	trimmed := strings.Join(strings.Fields(text), " ")
	if trimmed == "" {
		return nil, errs.New("cron", errs.CodeConfiguration, errs.WithMessage("cron expression is empty"))
	}
	fields := strings.Fields(trimmed)
	if len(fields) != fieldCount {
		return nil, errs.New("cron", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("expected %d fields, got %d", fieldCount, len(fields))),
			errs.WithField("expression", trimmed))
	}
	// cronexpr reads six fields as minute..year, so the year is made explicit.
	expr, err := cronexpr.Parse(trimmed + " *")
	if err != nil {
		return nil, errs.New("cron", errs.CodeConfiguration,
			errs.WithMessage(err.Error()),
			errs.WithField("expression", trimmed),
			errs.WithCause(err))
	}
	return &Schedule{text: trimmed, expr: expr}, nil
}

// Next returns the first activation strictly after t, or the zero time when none exists.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.expr.Next(t)
}

// NextN returns up to n activations after t.
func (s *Schedule) NextN(t time.Time, n int) []time.Time {
	return s.expr.NextN(t, uint(n))
}

func (s *Schedule) String() string {
	return s.text
}

// Verification is the outcome of checking cron text without committing it.
type Verification struct {
	IsValid        bool        `json:"isValid"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
	HumanReadable  string      `json:"humanReadableForm,omitempty"`
	NextExecutions []time.Time `json:"nextExecutions,omitempty"`
}

// Verify reports whether text is valid and, if so, how it reads and when it fires next.
func Verify(text string, now time.Time) Verification {
	sched, err := Parse(text)
	if err != nil {
		msg := err.Error()
		var e *errs.E
		if errors.As(err, &e) && e.Message != "" {
			msg = e.Message
		}
		return Verification{IsValid: false, ErrorMessage: msg}
	}
	return Verification{
		IsValid:        true,
		HumanReadable:  Describe(sched.text),
		NextExecutions: sched.NextN(now, 3),
	}
}
