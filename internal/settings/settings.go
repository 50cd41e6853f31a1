// Package settings holds the read-only organization, sender and receiver
// configuration consulted by the pipeline. Settings are loaded once at process
// start and never mutated afterwards, so concurrent reads need no locking.
package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Topic identifies which pipeline pathway a sender or receiver belongs to.
type Topic string

const (
	TopicCovid   Topic = "covid-19"
	TopicFullELR Topic = "full-elr"
)

// EmptyAction controls what a receiver gets when a batch window closes with no
// outstanding items.
type EmptyAction string

const (
	EmptyActionNone EmptyAction = "NONE"
	EmptyActionSend EmptyAction = "SEND"
)

// WhenEmpty is the receiver policy for empty batch windows.
type WhenEmpty struct {
	Action         EmptyAction `yaml:"action"`
	OnlyOncePerDay bool        `yaml:"onlyOncePerDay"`
}

// Timing is the batching policy for a receiver.
type Timing struct {
	NumberPerDay   int       `yaml:"numberPerDay"`
	MaxReportCount int       `yaml:"maxReportCount"`
	InitialTime    string    `yaml:"initialTime"` // "HH:MM", first batch of the day
	WhenEmpty      WhenEmpty `yaml:"whenEmpty"`
}

// Valid reports whether the timing policy is usable by the batch decider.
func (t *Timing) Valid() bool {
	return t != nil && t.NumberPerDay > 0 && t.NumberPerDay <= 3600*24 && t.MaxReportCount > 0
}

// batchPeriod returns the interval between two scheduled batch runs.
func (t *Timing) batchPeriod() time.Duration {
	return time.Duration(24*60*60/t.NumberPerDay) * time.Second
}

// initialOffset returns the offset of the day's first batch run from midnight.
func (t *Timing) initialOffset() time.Duration {
	if t.InitialTime == "" {
		return 0
	}
	parsed, err := time.Parse("15:04", t.InitialTime)
	if err != nil {
		return 0
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute
}

// BatchInPrevious window reports whether a scheduled batch run for this policy
// fell inside (now-window, now]. Runs are spaced evenly through the day
// starting at InitialTime.
func (t *Timing) BatchInPrevious(window time.Duration, now time.Time) bool {
	if !t.Valid() {
		return false
	}
	period := t.batchPeriod()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		Add(t.initialOffset())
	// The day's schedule may start after now-window; walk candidate run times
	// backwards from the most recent one.
	if now.Before(dayStart) {
		dayStart = dayStart.Add(-24 * time.Hour)
	}
	elapsed := now.Sub(dayStart)
	lastRun := dayStart.Add(elapsed / period * period)
	return lastRun.After(now.Add(-window)) && !lastRun.After(now)
}

// Sender is a configured submitter of lab data.
type Sender struct {
	Name             string `yaml:"name"`
	OrganizationName string `yaml:"organizationName"`
	Topic            Topic  `yaml:"topic"`
	Schema           string `yaml:"schema"`
	AllowDuplicates  bool   `yaml:"allowDuplicates"`
}

// FullName returns the org-qualified sender name.
func (s *Sender) FullName() string {
	return s.OrganizationName + "." + s.Name
}

// TransportConfig selects and parameterizes the delivery transport for a
// receiver. Type is the registry key; the remaining fields are consumed by
// whichever transport is selected.
type TransportConfig struct {
	Type    string            `yaml:"type"` // "NULL", "HTTP", ...
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Receiver is a configured downstream destination.
type Receiver struct {
	Name             string          `yaml:"name"`
	OrganizationName string          `yaml:"organizationName"`
	Topic            Topic           `yaml:"topic"`
	TranslationSchema string         `yaml:"translationSchema"` // ConfigSchema name for full-elr receivers
	Format           string          `yaml:"format"`            // outgoing body format tag
	Timing           *Timing         `yaml:"timing,omitempty"`
	Transport        TransportConfig `yaml:"transport"`
}

// FullName returns the org-qualified receiver name, the key used by the task
// ledger's receiver_name column.
func (r *Receiver) FullName() string {
	return r.OrganizationName + "." + r.Name
}

// Organization groups senders and receivers under one jurisdictional entity.
type Organization struct {
	Name      string     `yaml:"name"`
	Senders   []Sender   `yaml:"senders"`
	Receivers []Receiver `yaml:"receivers"`
}

// Provider exposes read-only settings lookups to the pipeline.
type Provider interface {
	Receivers() []*Receiver
	FindReceiver(fullName string) *Receiver
	FindSender(fullName string) *Sender
}

// FileSettings is a Provider backed by a YAML organizations file.
type FileSettings struct {
	orgs      []Organization
	receivers []*Receiver
	senders   map[string]*Sender
	byName    map[string]*Receiver
}

// LoadFile reads and indexes an organizations YAML file.
func LoadFile(path string) (*FileSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var orgs []Organization
	if err := yaml.Unmarshal(raw, &orgs); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return FromOrganizations(orgs)
}

// FromOrganizations builds a FileSettings from already-parsed organizations,
// mainly for tests.
func FromOrganizations(orgs []Organization) (*FileSettings, error) {
	fs := &FileSettings{
		orgs:    orgs,
		senders: make(map[string]*Sender),
		byName:  make(map[string]*Receiver),
	}
	for oi := range orgs {
		org := &orgs[oi]
		for si := range org.Senders {
			s := &org.Senders[si]
			if s.OrganizationName == "" {
				s.OrganizationName = org.Name
			}
			if _, dup := fs.senders[s.FullName()]; dup {
				return nil, fmt.Errorf("duplicate sender %s", s.FullName())
			}
			fs.senders[s.FullName()] = s
		}
		for ri := range org.Receivers {
			r := &org.Receivers[ri]
			if r.OrganizationName == "" {
				r.OrganizationName = org.Name
			}
			if _, dup := fs.byName[r.FullName()]; dup {
				return nil, fmt.Errorf("duplicate receiver %s", r.FullName())
			}
			if r.Timing != nil && !r.Timing.Valid() {
				return nil, fmt.Errorf("receiver %s has invalid timing", r.FullName())
			}
			fs.byName[r.FullName()] = r
			fs.receivers = append(fs.receivers, r)
		}
	}
	return fs, nil
}

func (f *FileSettings) Receivers() []*Receiver { return f.receivers }

func (f *FileSettings) FindReceiver(fullName string) *Receiver {
	return f.byName[strings.TrimSpace(fullName)]
}

func (f *FileSettings) FindSender(fullName string) *Sender {
	return f.senders[strings.TrimSpace(fullName)]
}
