package caldav

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

var codecStamp = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := calsync.Event{
		ID:             "evt_1",
		Title:          "Planning",
		Description:    "Bring notes, snacks; and\nslides",
		Location:       "Room 4",
		Start:          time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC),
		Status:         calsync.StatusTentative,
		Organizer:      "lead@example.com",
		RecurrenceRule: "FREQ=WEEKLY;COUNT=4",
		ExceptionDates: []time.Time{time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)},
		Reminders:      []time.Duration{15 * time.Minute},
		Attendees: []calsync.Attendee{
			{Email: "ana@example.com", Name: "Ana", Status: calsync.PartStatAccepted},
			{Email: "bo@example.com"},
		},
		Tags: []string{"work"},
	}

	data, err := EncodeText(ev, "uid-1", 3, codecStamp)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `Bring notes\, snacks\; and\nslides`) {
		t.Fatalf("expected escaped description, got:\n%s", text)
	}
	if !strings.Contains(text, "DTSTART:20260310T090000Z") {
		t.Fatalf("expected UTC date-time start, got:\n%s", text)
	}

	decoded, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.UID != "uid-1" || decoded.Sequence != 3 || !decoded.LastModified.Equal(codecStamp) {
		t.Fatalf("unexpected identity %+v", decoded)
	}
	got := decoded.Event
	if got.Title != ev.Title || got.Description != ev.Description || got.Location != ev.Location {
		t.Fatalf("text fields did not survive: %+v", got)
	}
	if !got.Start.Equal(ev.Start) || !got.End.Equal(ev.End) || got.AllDay {
		t.Fatalf("unexpected interval %s-%s allDay=%v", got.Start, got.End, got.AllDay)
	}
	if got.Status != calsync.StatusTentative || got.RecurrenceRule != ev.RecurrenceRule || got.Organizer != ev.Organizer {
		t.Fatalf("unexpected status/rule/organizer: %+v", got)
	}
	if len(got.ExceptionDates) != 1 || !got.ExceptionDates[0].Equal(ev.ExceptionDates[0]) {
		t.Fatalf("unexpected exception dates %v", got.ExceptionDates)
	}
	if len(got.Reminders) != 1 || got.Reminders[0] != 15*time.Minute {
		t.Fatalf("unexpected reminders %v", got.Reminders)
	}
	if len(got.Attendees) != 2 || got.Attendees[0].Name != "Ana" || got.Attendees[0].Status != calsync.PartStatAccepted || got.Attendees[1].Status != calsync.PartStatNeedsAction {
		t.Fatalf("unexpected attendees %+v", got.Attendees)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "work" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
}

func TestEncodeAllDayUsesDateValues(t *testing.T) {
	ev := calsync.Event{
		Title:  "Holiday",
		Start:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	}
	data, err := EncodeText(ev, "uid-2", 0, codecStamp)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(data), "DTSTART;VALUE=DATE:20260310") {
		t.Fatalf("expected date value start, got:\n%s", data)
	}
	decoded, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.Event.AllDay || !decoded.Event.Start.Equal(ev.Start) || !decoded.Event.End.Equal(ev.End) {
		t.Fatalf("unexpected all-day decode %+v", decoded.Event)
	}
}

func TestDecodeUsesMasterAndDuration(t *testing.T) {
	raw := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:series-1",
		"RECURRENCE-ID:20260317T090000Z",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260317T100000Z",
		"DTEND:20260317T110000Z",
		"SUMMARY:Moved instance",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20260301T000000Z",
		"DTSTART:20260310T090000Z",
		"DURATION:PT45M",
		"SUMMARY:Standup",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	decoded, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Event.Title != "Standup" || decoded.Event.Status != calsync.StatusCancelled {
		t.Fatalf("expected master event, got %+v", decoded.Event)
	}
	if d := decoded.Event.End.Sub(decoded.Event.Start); d != 45*time.Minute {
		t.Fatalf("expected 45m duration, got %s", d)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !decoded.LastModified.Equal(want) {
		t.Fatalf("expected DTSTAMP fallback, got %s", decoded.LastModified)
	}
}

func TestDecodeRejectsMalformedEvents(t *testing.T) {
	cases := map[string]string{
		"missing uid":   "BEGIN:VEVENT\r\nDTSTART:20260310T090000Z\r\nSUMMARY:x\r\nEND:VEVENT",
		"missing start": "BEGIN:VEVENT\r\nUID:a\r\nSUMMARY:x\r\nEND:VEVENT",
		"bad rrule":     "BEGIN:VEVENT\r\nUID:a\r\nDTSTART:20260310T090000Z\r\nRRULE:FREQ=SOMETIMES\r\nEND:VEVENT",
	}
	for name, vevent := range cases {
		raw := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" + vevent + "\r\nEND:VCALENDAR\r\n"
		if _, err := DecodeText([]byte(raw)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestEncodeRejectsInvalidEvents(t *testing.T) {
	ev := calsync.Event{Title: "x", Start: codecStamp, End: codecStamp.Add(-time.Hour)}
	if _, err := EncodeEvent(ev, "uid", 1, codecStamp); !errors.Is(err, calsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input for end before start, got %v", err)
	}
	ev.End = codecStamp.Add(time.Hour)
	if _, err := EncodeEvent(ev, " ", 1, codecStamp); !errors.Is(err, calsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank uid, got %v", err)
	}
}

func TestDurationParsing(t *testing.T) {
	cases := map[string]time.Duration{
		"-PT15M":  -15 * time.Minute,
		"P1DT2H":  26 * time.Hour,
		"P1W":     7 * 24 * time.Hour,
		"PT0S":    0,
		"+PT1H5S": time.Hour + 5*time.Second,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		if err != nil || got != want {
			t.Fatalf("parseDuration(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "P", "15M", "PT5X", "P1H"} {
		if _, err := parseDuration(bad); err == nil {
			t.Fatalf("parseDuration(%q) expected error", bad)
		}
	}
	if got := formatDuration(-90 * time.Minute); got != "-PT1H30M" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := formatDuration(0); got != "PT0S" {
		t.Fatalf("unexpected format %q", got)
	}
}

var seriesWithOverride = strings.Join([]string{
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//server//EN",
	"X-WR-CALNAME:Home",
	"BEGIN:VEVENT",
	"UID:series-1",
	"DTSTAMP:20260301T000000Z",
	"DTSTART:20260310T090000Z",
	"DTEND:20260310T093000Z",
	"RRULE:FREQ=DAILY;COUNT=10",
	"SUMMARY:Standup",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:series-1",
	"RECURRENCE-ID:20260312T090000Z",
	"DTSTAMP:20260301T000000Z",
	"DTSTART:20260312T100000Z",
	"DTEND:20260312T103000Z",
	"SUMMARY:Moved instance",
	"END:VEVENT",
	"END:VCALENDAR",
	"",
}, "\r\n")

func TestMergeEventReplacesMasterOnly(t *testing.T) {
	existing, err := ical.NewDecoder(strings.NewReader(seriesWithOverride)).Decode()
	if err != nil {
		t.Fatalf("decode fixture failed: %v", err)
	}
	ev := calsync.Event{
		Title:          "Daily sync",
		Start:          time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		RecurrenceRule: "FREQ=DAILY;COUNT=10",
	}
	merged, err := MergeEvent(existing, ev, "series-1", 3, codecStamp)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(merged); err != nil {
		t.Fatalf("encode merged failed: %v", err)
	}
	text := buf.String()
	if !strings.Contains(text, "RECURRENCE-ID:20260312T090000Z") || !strings.Contains(text, "SUMMARY:Moved instance") {
		t.Fatalf("expected override kept, got:\n%s", text)
	}
	if strings.Contains(text, "SUMMARY:Standup") || !strings.Contains(text, "X-WR-CALNAME:Home") {
		t.Fatalf("expected master replaced and calendar props kept, got:\n%s", text)
	}
	decoded, err := DecodeCalendar(merged)
	if err != nil || decoded.Event.Title != "Daily sync" || decoded.Sequence != 3 {
		t.Fatalf("expected merged master to decode, got %+v %v", decoded, err)
	}

	ev.RecurrenceRule = ""
	single, err := MergeEvent(existing, ev, "series-1", 4, codecStamp)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if n := len(single.Children); n != 1 {
		t.Fatalf("expected overrides dropped once the series ends, got %d children", n)
	}
}

func TestDecodeResolvesEmbeddedTimezone(t *testing.T) {
	vtimezone := []string{
		"BEGIN:VTIMEZONE",
		"TZID:Eastern Standard Time",
		"BEGIN:STANDARD",
		"DTSTART:16011104T020000",
		"RRULE:FREQ=YEARLY;BYDAY=1SU;BYMONTH=11",
		"TZOFFSETFROM:-0400",
		"TZOFFSETTO:-0500",
		"END:STANDARD",
		"BEGIN:DAYLIGHT",
		"DTSTART:16010311T020000",
		"RRULE:FREQ=YEARLY;BYDAY=2SU;BYMONTH=3",
		"TZOFFSETFROM:-0500",
		"TZOFFSETTO:-0400",
		"END:DAYLIGHT",
		"END:VTIMEZONE",
	}
	build := func(withZone bool, start string) string {
		lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
		if withZone {
			lines = append(lines, vtimezone...)
		}
		lines = append(lines,
			"BEGIN:VEVENT",
			"UID:tz-1",
			"DTSTAMP:20240101T000000Z",
			"DTSTART;TZID=Eastern Standard Time:"+start,
			"DURATION:PT1H",
			"SUMMARY:Review",
			"END:VEVENT",
			"END:VCALENDAR",
			"",
		)
		return strings.Join(lines, "\r\n")
	}

	if _, err := DecodeText([]byte(build(false, "20240115T090000"))); err == nil || !strings.Contains(err.Error(), "unknown TZID") {
		t.Fatalf("expected unknown TZID error, got %v", err)
	}
	winter, err := DecodeText([]byte(build(true, "20240115T090000")))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if want := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC); !winter.Event.Start.Equal(want) {
		t.Fatalf("expected standard offset, got %s", winter.Event.Start)
	}
	summer, err := DecodeText([]byte(build(true, "20240715T090000")))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if want := time.Date(2024, 7, 15, 13, 0, 0, 0, time.UTC); !summer.Event.Start.Equal(want) {
		t.Fatalf("expected daylight offset, got %s", summer.Event.Start)
	}
}

func TestParseUTCOffset(t *testing.T) {
	cases := map[string]time.Duration{
		"+0100":   time.Hour,
		"-0500":   -5 * time.Hour,
		"+053000": 5*time.Hour + 30*time.Minute,
	}
	for in, want := range cases {
		got, err := parseUTCOffset(in)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := parseUTCOffset("0100"); err == nil {
		t.Fatalf("expected error for unsigned offset")
	}
}
