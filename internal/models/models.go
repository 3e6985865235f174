package models

import (
	"time"
)

// Channel is a broadcast channel with its grid configuration.
type Channel struct {
	ID                  string `gorm:"type:uuid;primaryKey"`
	Slug                string `gorm:"uniqueIndex"`
	Name                string
	Kind                string `gorm:"type:varchar(32)"` // descriptive only
	Timezone            string `gorm:"type:varchar(64)"`
	GridBlockMinutes    int
	BlockStartOffsets   IntList `gorm:"type:text"` // minutes past the hour, sorted, unique
	ProgrammingDayStart string  `gorm:"type:varchar(8)"` // HH:MM:SS in channel-local time
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduleTemplate is a versioned, dayparted programming template.
// Published templates are never mutated in place; material rule changes
// produce a new version.
type ScheduleTemplate struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	ChannelID      string `gorm:"type:uuid;index"`
	Name           string
	Version        int
	AllowUnderfill bool
	FullDay        bool // declared full-day coverage: blocks tile [00:00,24:00)
	PublishedAt    *time.Time
	Blocks         []TemplateBlock `gorm:"foreignKey:TemplateID"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Published reports whether the template has been published.
func (t ScheduleTemplate) Published() bool {
	return t.PublishedAt != nil
}

// TemplateBlock is a daypart slot within a template. DurationBlocks
// counts channel grid units, so the block spans
// DurationBlocks*GridBlockMinutes of channel-local time.
type TemplateBlock struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	TemplateID     string `gorm:"type:uuid;index"`
	Position       int
	Daypart        string // operator-facing name, e.g. "Afternoon Sitcoms"
	StartTime      string `gorm:"type:varchar(8)"` // HH:MM:SS channel-local
	DurationBlocks int
	Rule           JSONMap `gorm:"type:text"`
}

// ScheduleDay assigns a template to a channel for one broadcast date.
// The most recently assigned row wins when several match.
type ScheduleDay struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ChannelID    string `gorm:"type:uuid;index"`
	TemplateID   string `gorm:"type:uuid;index"`
	ScheduleDate string `gorm:"type:varchar(10);index"` // YYYY-MM-DD broadcast date
	CreatedAt    time.Time
}

// CatalogAsset is a schedulable piece of content. Canonical is set only
// by the external promotion workflow; runtime components never write it.
type CatalogAsset struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Title     string `gorm:"index"`
	Duration  time.Duration
	Tags      StringList `gorm:"type:text"`
	FileKey   string     // locator resolved through the storage layer
	Canonical bool       `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlaylogEvent is one resolved air event. Events are produced only by
// the horizon builder and superseded, never edited, on rebuild.
type PlaylogEvent struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ChannelID    string `gorm:"type:uuid;index"`
	AssetID      string // empty for gap events
	BlockID      string
	StartUTC     time.Time `gorm:"index"`
	EndUTC       time.Time
	BroadcastDay string `gorm:"type:varchar(10);index"`
	Gap          bool   // underfill gap marker, no asset
	SupersededAt *time.Time
	CreatedAt    time.Time
}

// BuildFailure records a slot that could not be filled, with enough
// detail for the operator to retry after intervention.
type BuildFailure struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ChannelID    string `gorm:"type:uuid;index"`
	BroadcastDay string `gorm:"type:varchar(10);index"`
	BlockID      string `gorm:"type:uuid"`
	Daypart      string
	Reason       string `gorm:"type:text"`
	CreatedAt    time.Time
}

// DayBuild records the fingerprint of the inputs a broadcast day was
// last built from. The pre-build loop skips a day whose fingerprint is
// unchanged, so steady-state ticks never advance rotation state or
// supersede a playlog that nothing invalidated.
type DayBuild struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ChannelID    string `gorm:"type:uuid;uniqueIndex:idx_day_build_channel_day"`
	BroadcastDay string `gorm:"type:varchar(10);uniqueIndex:idx_day_build_channel_day"`
	Fingerprint  string
	UpdatedAt    time.Time
}

// RotationState persists selection-policy state per channel and rule
// key so horizon rebuilds are reproducible. Never a process-global
// counter.
type RotationState struct {
	ID        string  `gorm:"type:uuid;primaryKey"`
	ChannelID string  `gorm:"type:uuid;uniqueIndex:idx_rotation_channel_key"`
	RuleKey   string  `gorm:"uniqueIndex:idx_rotation_channel_key"`
	State     JSONMap `gorm:"type:text"`
	UpdatedAt time.Time
}
