package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

const defaultRetryInterval = 5 * time.Second

// ScanModeSpec declares a scan mode with a fixed id.
type ScanModeSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cron        string `yaml:"cron"`
}

func (s *ScanModeSpec) normalise() {
	s.ID = normalizeIdentifier(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	s.Cron = strings.TrimSpace(s.Cron)
	if s.Name == "" {
		s.Name = s.ID
	}
}

func (s ScanModeSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("scan mode id required")
	}
	if s.ID == scanmodestore.SubscriptionID {
		return fmt.Errorf("scan mode id %q is reserved", s.ID)
	}
	if s.Cron == "" {
		return fmt.Errorf("scan mode %q: cron required", s.ID)
	}
	return nil
}

// ScanMode converts the declaration to the stored model.
func (s ScanModeSpec) ScanMode() scanmodestore.ScanMode {
	return scanmodestore.ScanMode{ID: s.ID, Name: s.Name, Description: s.Description, Cron: s.Cron}
}

// TriggerSpec lists the conditions that start a delivery run.
type TriggerSpec struct {
	ScanModeID       string `yaml:"scanModeId"`
	NumberOfElements int    `yaml:"numberOfElements"`
	NumberOfFiles    int    `yaml:"numberOfFiles"`
}

// ThrottlingSpec bounds how often and how much is sent.
type ThrottlingSpec struct {
	RunMinDelay         time.Duration     `yaml:"runMinDelay"`
	MaxSize             datasize.ByteSize `yaml:"maxSize"`
	MaxNumberOfElements int               `yaml:"maxNumberOfElements"`
}

// RetrySpec bounds failed deliveries. A zero count retries forever.
type RetrySpec struct {
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

// ArchiveSpec keeps delivered content. A zero retention keeps it forever.
type ArchiveSpec struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// CachingSpec is the delivery policy of a destination.
type CachingSpec struct {
	Trigger        TriggerSpec       `yaml:"trigger"`
	Throttling     ThrottlingSpec    `yaml:"throttling"`
	Retry          RetrySpec         `yaml:"retry"`
	Archive        ArchiveSpec       `yaml:"archive"`
	ErrorRetention time.Duration     `yaml:"errorRetention"`
	SendTimeout    time.Duration     `yaml:"sendTimeout"`
	MaxCacheSize   datasize.ByteSize `yaml:"maxCacheSize"`
	Compaction     *bool             `yaml:"compaction"`
}

// TransformerSpec selects a registered transformer.
type TransformerSpec struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
}

// NorthSpec declares a destination.
type NorthSpec struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Enabled       *bool             `yaml:"enabled"`
	Subscriptions []string          `yaml:"subscriptions"`
	Caching       CachingSpec       `yaml:"caching"`
	Transformers  []TransformerSpec `yaml:"transformers"`
	Options       map[string]any    `yaml:"options"`
}

func (n *NorthSpec) normalise() {
	n.ID = normalizeIdentifier(n.ID)
	n.Type = normalizeType(n.Type)
	if n.Name == "" {
		n.Name = n.ID
	}
	n.Caching.Trigger.ScanModeID = normalizeIdentifier(n.Caching.Trigger.ScanModeID)
	if n.Caching.Retry.Interval <= 0 {
		n.Caching.Retry.Interval = defaultRetryInterval
	}
	subs := n.Subscriptions[:0]
	for _, s := range n.Subscriptions {
		if s = normalizeIdentifier(s); s != "" {
			subs = append(subs, s)
		}
	}
	n.Subscriptions = subs
	for i := range n.Transformers {
		n.Transformers[i].Type = normalizeType(n.Transformers[i].Type)
	}
}

func (n NorthSpec) validate() error {
	if n.Type == "" {
		return fmt.Errorf("north %q: type required", n.ID)
	}
	for _, t := range n.Transformers {
		if t.Type == "" {
			return fmt.Errorf("north %q: transformer type required", n.ID)
		}
	}
	if err := n.Settings().Validate(); err != nil {
		return fmt.Errorf("north %q: %w", n.ID, err)
	}
	return nil
}

// Settings converts the caching section to runner settings.
func (n NorthSpec) Settings() north.Settings {
	c := n.Caching
	compaction := true
	if c.Compaction != nil {
		compaction = *c.Compaction
	}
	return north.Settings{
		Trigger: north.Trigger{
			ScanModeID:       c.Trigger.ScanModeID,
			NumberOfElements: c.Trigger.NumberOfElements,
			NumberOfFiles:    c.Trigger.NumberOfFiles,
		},
		Throttling: north.Throttling{
			RunMinDelay:         c.Throttling.RunMinDelay,
			MaxSize:             int64(c.Throttling.MaxSize.Bytes()),
			MaxNumberOfElements: c.Throttling.MaxNumberOfElements,
		},
		Retry:          north.Retry{Interval: c.Retry.Interval, Count: c.Retry.Count},
		Archive:        north.Archive{Enabled: c.Archive.Enabled, Retention: c.Archive.Retention},
		ErrorRetention: c.ErrorRetention,
		SendTimeout:    c.SendTimeout,
		MaxCacheSize:   int64(c.MaxCacheSize.Bytes()),
		Compaction:     compaction,
		Subscriptions:  append([]string(nil), n.Subscriptions...),
	}
}

// EngineConfig converts the declaration for engine.AddNorth.
func (n NorthSpec) EngineConfig() engine.NorthConfig {
	transformers := make([]engine.TransformerConfig, 0, len(n.Transformers))
	for _, t := range n.Transformers {
		transformers = append(transformers, engine.TransformerConfig{Type: t.Type, Options: t.Options})
	}
	return engine.NorthConfig{
		ID:           n.ID,
		Name:         n.Name,
		Type:         n.Type,
		Enabled:      enabled(n.Enabled),
		Settings:     n.Settings(),
		Options:      n.Options,
		Transformers: transformers,
	}
}

// ItemSpec declares one acquisition item of a source.
type ItemSpec struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	ScanModeID string         `yaml:"scanModeId"`
	Enabled    *bool          `yaml:"enabled"`
	Settings   map[string]any `yaml:"settings"`
}

// SouthSpec declares a source.
type SouthSpec struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Enabled *bool          `yaml:"enabled"`
	Items   []ItemSpec     `yaml:"items"`
	Options map[string]any `yaml:"options"`
}

func (s *SouthSpec) normalise() {
	s.ID = normalizeIdentifier(s.ID)
	s.Type = normalizeType(s.Type)
	if s.Name == "" {
		s.Name = s.ID
	}
	for i := range s.Items {
		item := &s.Items[i]
		item.ID = normalizeIdentifier(item.ID)
		item.ScanModeID = normalizeIdentifier(item.ScanModeID)
		if item.Name == "" {
			item.Name = item.ID
		}
	}
}

func (s SouthSpec) validate() error {
	if s.Type == "" {
		return fmt.Errorf("south %q: type required", s.ID)
	}
	seen := make(map[string]struct{}, len(s.Items))
	for _, item := range s.Items {
		if item.ID == "" {
			return fmt.Errorf("south %q: item id required", s.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("south %q: duplicate item id %q", s.ID, item.ID)
		}
		seen[item.ID] = struct{}{}
		if enabled(item.Enabled) && item.ScanModeID == "" {
			return fmt.Errorf("south %q: item %q scanModeId required", s.ID, item.ID)
		}
	}
	return nil
}

// EngineConfig converts the declaration for engine.AddSouth.
func (s SouthSpec) EngineConfig() engine.SouthConfig {
	items := make([]south.Item, 0, len(s.Items))
	for _, item := range s.Items {
		items = append(items, south.Item{
			ID:         item.ID,
			Name:       item.Name,
			ScanModeID: item.ScanModeID,
			Enabled:    enabled(item.Enabled),
			Settings:   item.Settings,
		})
	}
	return engine.SouthConfig{
		ID:      s.ID,
		Name:    s.Name,
		Type:    s.Type,
		Enabled: enabled(s.Enabled),
		Items:   items,
		Options: s.Options,
	}
}

// NorthConfigs converts every declared destination.
func (c AppConfig) NorthConfigs() []engine.NorthConfig {
	out := make([]engine.NorthConfig, 0, len(c.North))
	for _, n := range c.North {
		out = append(out, n.EngineConfig())
	}
	return out
}

// SouthConfigs converts every declared source.
func (c AppConfig) SouthConfigs() []engine.SouthConfig {
	out := make([]engine.SouthConfig, 0, len(c.South))
	for _, s := range c.South {
		out = append(out, s.EngineConfig())
	}
	return out
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
