package north

import (
	"fmt"
	"time"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

// Trigger lists the conditions that start a delivery run. Any one is enough.
type Trigger struct {
	ScanModeID       string
	NumberOfElements int
	NumberOfFiles    int
}

// Throttling bounds how often and how much is sent.
type Throttling struct {
	RunMinDelay         time.Duration
	MaxSize             int64
	MaxNumberOfElements int
}

// Retry bounds failed deliveries. Count zero retries forever.
type Retry struct {
	Interval time.Duration
	Count    int
}

// Archive keeps delivered content for Retention. Zero retention keeps it forever.
type Archive struct {
	Enabled   bool
	Retention time.Duration
}

// Settings configures one destination runner.
type Settings struct {
	Trigger        Trigger
	Throttling     Throttling
	Retry          Retry
	Archive        Archive
	ErrorRetention time.Duration
	SendTimeout    time.Duration
	MaxCacheSize   int64
	Compaction     bool
	// Subscriptions lists accepted source ids. Empty accepts every source.
	Subscriptions []string
}

// ScanTriggered reports whether a timer drives the runner.
func (s Settings) ScanTriggered() bool {
	return s.Trigger.ScanModeID != "" && s.Trigger.ScanModeID != scanmodestore.SubscriptionID
}

// Accepts reports whether content from source is routed here.
func (s Settings) Accepts(source string) bool {
	if len(s.Subscriptions) == 0 {
		return true
	}
	for _, id := range s.Subscriptions {
		if id == source {
			return true
		}
	}
	return false
}

// Validate rejects settings that cannot work.
func (s Settings) Validate() error {
	switch {
	case s.Trigger.NumberOfElements < 0, s.Trigger.NumberOfFiles < 0:
		return invalidSettings("trigger thresholds must not be negative")
	case s.Throttling.RunMinDelay < 0, s.Retry.Interval < 0, s.SendTimeout < 0:
		return invalidSettings("delays must not be negative")
	case s.Throttling.MaxSize < 0, s.Throttling.MaxNumberOfElements < 0, s.MaxCacheSize < 0:
		return invalidSettings("size limits must not be negative")
	case s.Retry.Count < 0:
		return invalidSettings("retry count must not be negative")
	case s.Archive.Retention < 0, s.ErrorRetention < 0:
		return invalidSettings("retention must not be negative")
	case s.Trigger.ScanModeID == "" && s.Trigger.NumberOfElements == 0 && s.Trigger.NumberOfFiles == 0:
		return invalidSettings("at least one trigger is required")
	}
	return nil
}

func invalidSettings(msg string) error {
	return errs.New("north", errs.CodeConfiguration, errs.WithMessage(fmt.Sprintf("invalid settings: %s", msg)))
}
