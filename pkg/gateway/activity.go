package gateway

import (
	"fmt"
	"time"
)

// Activity types.
const (
	ActivityPlaying   = 0
	ActivityStreaming = 1
	ActivityListening = 2
	ActivityWatching  = 3
	ActivityCustom    = 4
	ActivityCompeting = 5
)

// Presence status values.
const (
	StatusOnline    = "online"
	StatusDND       = "dnd"
	StatusIdle      = "idle"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Activity is one entry of a presence update.
type Activity struct {
	Name       string              `json:"name"`
	Type       int                 `json:"type"`
	URL        string              `json:"url,omitempty"`
	State      string              `json:"state,omitempty"`
	Details    string              `json:"details,omitempty"`
	Timestamps *ActivityTimestamps `json:"timestamps,omitempty"`
	Assets     *ActivityAssets     `json:"assets,omitempty"`
	Buttons    []ActivityButton    `json:"buttons,omitempty"`
}

type ActivityTimestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type ActivityAssets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

type ActivityButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ActivityBuilder constructs a validated Activity.
type ActivityBuilder struct {
	activity Activity
	err      error
}

// NewActivity starts building an activity of the given type.
func NewActivity(name string, activityType int) *ActivityBuilder {
	b := &ActivityBuilder{activity: Activity{Name: name, Type: activityType}}
	if name == "" {
		b.err = fmt.Errorf("gateway: activity name is required")
	}
	if activityType < ActivityPlaying || activityType > ActivityCompeting {
		b.err = fmt.Errorf("gateway: unknown activity type %d", activityType)
	}
	return b
}

// WithURL sets the stream URL. Only valid for streaming activities.
func (b *ActivityBuilder) WithURL(url string) *ActivityBuilder {
	if b.err == nil && b.activity.Type != ActivityStreaming {
		b.err = fmt.Errorf("gateway: url is only valid for streaming activities")
		return b
	}
	b.activity.URL = url
	return b
}

func (b *ActivityBuilder) WithState(state string) *ActivityBuilder {
	b.activity.State = state
	return b
}

func (b *ActivityBuilder) WithDetails(details string) *ActivityBuilder {
	b.activity.Details = details
	return b
}

// WithTimestamps sets the elapsed/remaining window. Zero values are omitted.
func (b *ActivityBuilder) WithTimestamps(start, end time.Time) *ActivityBuilder {
	ts := &ActivityTimestamps{}
	if !start.IsZero() {
		ts.Start = start.UnixMilli()
	}
	if !end.IsZero() {
		ts.End = end.UnixMilli()
	}
	if b.err == nil && ts.Start != 0 && ts.End != 0 && ts.End < ts.Start {
		b.err = fmt.Errorf("gateway: activity end precedes start")
		return b
	}
	b.activity.Timestamps = ts
	return b
}

func (b *ActivityBuilder) WithAssets(assets ActivityAssets) *ActivityBuilder {
	b.activity.Assets = &assets
	return b
}

// WithButton appends a link button. At most two are allowed.
func (b *ActivityBuilder) WithButton(label, url string) *ActivityBuilder {
	if b.err == nil {
		if label == "" || url == "" {
			b.err = fmt.Errorf("gateway: button label and url are required")
			return b
		}
		if len(b.activity.Buttons) >= 2 {
			b.err = fmt.Errorf("gateway: at most two buttons per activity")
			return b
		}
	}
	b.activity.Buttons = append(b.activity.Buttons, ActivityButton{Label: label, URL: url})
	return b
}

// Build returns the validated activity or the first construction error.
func (b *ActivityBuilder) Build() (Activity, error) {
	if b.err != nil {
		return Activity{}, b.err
	}
	return b.activity, nil
}

// NewPresence assembles a presence update from validated activities.
func NewPresence(status string, afk bool, activities ...Activity) (*PresenceUpdateData, error) {
	switch status {
	case StatusOnline, StatusDND, StatusIdle, StatusInvisible, StatusOffline:
	default:
		return nil, fmt.Errorf("gateway: unknown presence status %q", status)
	}
	return &PresenceUpdateData{
		Activities: activities,
		Status:     status,
		AFK:        afk,
	}, nil
}
