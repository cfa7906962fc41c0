package chat

import (
	"time"

	"github.com/dustin/go-humanize"
)

var relMagnitudes = []humanize.RelTimeMagnitude{
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: humanize.Day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "1 day %s", DivBy: 1},
	{D: humanize.Week, Format: "%d days %s", DivBy: humanize.Day},
}

// RelativeLabel renders t relative to now: "Just now" under a minute, then
// minutes, hours and days ago, and a calendar date after a week.
func RelativeLabel(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	diff := now.Sub(t)
	if diff < time.Minute {
		return "Just now"
	}
	if diff >= humanize.Week {
		return t.Format("Jan 2, 2006")
	}
	return humanize.CustomRelTime(t, now, "ago", "from now", relMagnitudes)
}

// ClockLabel renders the time of day a message was sent.
func ClockLabel(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("3:04 PM")
}
