package cron

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for a recurring or one-shot
// scheduler event.
type Schedule struct {
	Kind ScheduleKind `json:"kind" mapstructure:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty" mapstructure:"at"` // RFC 3339 timestamp

	// For "every" schedule
	Every    string `json:"every,omitempty" mapstructure:"every"`         // Go duration, e.g. "15m"
	AnchorMs *int64 `json:"anchor_ms,omitempty" mapstructure:"anchor_ms"` // Optional alignment point

	// For "cron" schedule
	Expr string `json:"expr,omitempty" mapstructure:"expr"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty" mapstructure:"tz"`     // Optional timezone
}

// Recurring reports whether the schedule produces more than one run.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleKindEvery || s.Kind == ScheduleKindCron
}
