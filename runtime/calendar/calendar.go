// Package calendar turns spoken scheduling preferences into concrete
// appointment times and shareable calendar links.
package calendar

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/driveline-ai/driveline/runtime/lead"
)

type (
	// BookingInput carries everything needed to build a test-drive
	// appointment for one lead.
	BookingInput struct {
		// CustomerName appears in the event details.
		CustomerName string
		// CustomerPhone appears in the event details.
		CustomerPhone string
		// VehicleText is a human label for the vehicle, e.g.
		// "2022 Honda CR-V".
		VehicleText string
		// PreferredDate is the customer's spoken date, e.g. "tomorrow"
		// or "03/14". Unparseable input falls back to tomorrow.
		PreferredDate string
		// PreferredTime is the customer's spoken time, e.g. "2pm".
		// Unparseable input falls back to 14:00.
		PreferredTime string
		// Timezone locates the appointment. Nil falls back to UTC.
		Timezone *time.Location
		// Now anchors relative dates. Zero means time.Now().
		Now time.Time
	}

	// Event is a calendar entry ready to render as a link.
	Event struct {
		Title   string
		Details string
		Start   time.Time
		End     time.Time
	}

	// Booking is the assembled appointment.
	Booking struct {
		// Event renders the calendar link.
		Event Event
		// StartsAt is the parsed appointment time in the dealership
		// timezone.
		StartsAt time.Time
		// Update is the record the orchestrator applies to the lead.
		Update LeadUpdate
	}

	// LeadUpdate captures the lead mutation a confirmed appointment
	// implies.
	LeadUpdate struct {
		Status        lead.Status
		AppointmentAt time.Time
	}
)

// Appointments default to mid-afternoon the next day when the customer
// gave nothing usable.
const (
	DefaultHour = 14
	// Duration is the fixed appointment length.
	Duration = time.Hour
)

var monthsByName = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdaysByName = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

var (
	slashDateRe = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{4}))?$`)
	monthDayRe  = regexp.MustCompile(`^([a-z]+)\s+(\d{1,2})(?:st|nd|rd|th)?$`)
	clockRe     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

	// dateFragRe locates date fragments inside free text. Month names need
	// a following day number so that the word "may" alone never reads as a
	// date.
	dateFragRe = regexp.MustCompile(`(?i)\b(today|tomorrow|next\s+week|(?:next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|\d{1,2}/\d{1,2}(?:/\d{4})?|(?:january|jan|february|feb|march|mar|april|apr|may|june|jun|july|jul|august|aug|september|sept|sep|october|oct|november|nov|december|dec)\s+\d{1,2}(?:st|nd|rd|th)?)\b`)
	// clockFragRe wants an unambiguous time: a colon or an am/pm suffix.
	// bareHourRe falls back to "at N", checked only when clockFragRe found
	// nothing so "at 2:30pm" never truncates to "at 2".
	clockFragRe = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}\s*(?:am|pm)?\b|\b\d{1,2}\s*(?:am|pm)\b`)
	bareHourRe  = regexp.MustCompile(`(?i)\bat\s+(\d{1,2}(?::\d{2})?)\b`)
)

// ParseDate resolves a spoken date to the start of a calendar day in now's
// location. Relative words and weekday names resolve against now; "next"
// before a weekday skips a week. Dates without a year pick the next
// occurrence, rolling into next year when the day already passed.
func ParseDate(s string, now time.Time) (time.Time, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	switch s {
	case "today":
		return day(now), true
	case "tomorrow":
		return day(now.AddDate(0, 0, 1)), true
	case "next week":
		return day(now.AddDate(0, 0, 7)), true
	}

	if wd, ok := weekdaysByName[s]; ok {
		return day(now.AddDate(0, 0, daysUntil(now, wd))), true
	}
	if rest, found := strings.CutPrefix(s, "next "); found {
		if wd, ok := weekdaysByName[rest]; ok {
			return day(now.AddDate(0, 0, daysUntil(now, wd)+7)), true
		}
	}

	if m := slashDateRe.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		dom, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || dom < 1 || dom > 31 {
			return time.Time{}, false
		}
		if m[3] != "" {
			year, _ := strconv.Atoi(m[3])
			return dateOrFalse(year, time.Month(month), dom, now.Location())
		}
		return nextOccurrence(time.Month(month), dom, now)
	}

	if m := monthDayRe.FindStringSubmatch(s); m != nil {
		month, ok := monthsByName[m[1]]
		if !ok {
			return time.Time{}, false
		}
		dom, _ := strconv.Atoi(m[2])
		if dom < 1 || dom > 31 {
			return time.Time{}, false
		}
		return nextOccurrence(month, dom, now)
	}

	return time.Time{}, false
}

// ParseTime resolves a spoken clock time to hour and minute. Accepts
// 12-hour forms with am/pm, 24-hour HH:MM, and a bare hour read as
// 24-hour. Noon is "12pm", midnight "12am".
func ParseTime(s string) (hour, minute int, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, false
	}
	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, false
		}
	}
	return hour, minute, true
}

// Build assembles the appointment, falling back to tomorrow at 14:00 local
// for anything it cannot parse.
func Build(in BookingInput) Booking {
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)

	date, ok := ParseDate(in.PreferredDate, now)
	if !ok {
		date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	hour, minute, ok := ParseTime(in.PreferredTime)
	if !ok {
		hour, minute = DefaultHour, 0
	}

	start := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
	event := Event{
		Title:   "Test Drive: " + in.VehicleText,
		Details: fmt.Sprintf("Test drive appointment for %s (%s). Vehicle: %s.", in.CustomerName, in.CustomerPhone, in.VehicleText),
		Start:   start,
		End:     start.Add(Duration),
	}
	return Booking{
		Event:    event,
		StartsAt: start,
		Update: LeadUpdate{
			Status:        lead.StatusAppointmentBooked,
			AppointmentAt: start.UTC(),
		},
	}
}

// GoogleURL renders the event as a Google Calendar TEMPLATE link. Times are
// encoded in UTC basic format so the link works regardless of the viewer's
// calendar timezone.
func (e Event) GoogleURL() string {
	const layout = "20060102T150405Z"
	q := url.Values{}
	q.Set("action", "TEMPLATE")
	q.Set("text", e.Title)
	q.Set("dates", e.Start.UTC().Format(layout)+"/"+e.End.UTC().Format(layout))
	if e.Details != "" {
		q.Set("details", e.Details)
	}
	return "https://calendar.google.com/calendar/render?" + q.Encode()
}

// ExtractDateTime pulls the first date-like and time-like fragments out of
// free text ("can I come by saturday at 10am?"), normalized for ParseDate and
// ParseTime. Either result may be empty.
func ExtractDateTime(text string) (date, clock string) {
	if m := dateFragRe.FindString(text); m != "" {
		date = strings.Join(strings.Fields(strings.ToLower(m)), " ")
	}
	if m := clockFragRe.FindString(text); m != "" {
		clock = strings.ToLower(strings.TrimSpace(m))
	} else if m := bareHourRe.FindStringSubmatch(text); m != nil {
		clock = m[1]
	}
	return date, clock
}

// daysUntil returns how many days from now until the next wd, zero when now
// already falls on it.
func daysUntil(now time.Time, wd time.Weekday) int {
	return (int(wd) - int(now.Weekday()) + 7) % 7
}

// nextOccurrence returns the next time month/dom happens on or after now's
// day.
func nextOccurrence(month time.Month, dom int, now time.Time) (time.Time, bool) {
	t, ok := dateOrFalse(now.Year(), month, dom, now.Location())
	if !ok {
		return time.Time{}, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if t.Before(today) {
		t, ok = dateOrFalse(now.Year()+1, month, dom, now.Location())
		if !ok {
			return time.Time{}, false
		}
	}
	return t, true
}

// dateOrFalse builds the date and rejects day-of-month overflow, which
// time.Date would otherwise normalize into the next month.
func dateOrFalse(year int, month time.Month, dom int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, month, dom, 0, 0, 0, 0, loc)
	if t.Month() != month || t.Day() != dom {
		return time.Time{}, false
	}
	return t, true
}
