package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

const productID = "-//relaycal//calsync//EN"

const (
	icalDateLayout     = "20060102"
	icalUTCLayout      = "20060102T150405Z"
	icalFloatingLayout = "20060102T150405"
)

// DecodedEvent is one calendar object mapped onto the canonical model.
type DecodedEvent struct {
	UID          string
	Sequence     int64
	LastModified time.Time
	Event        calsync.Event
}

// DecodeCalendar extracts the master VEVENT of a calendar object. Overrides
// carrying RECURRENCE-ID are not part of the canonical event; MergeEvent
// keeps them when the event is written back.
func DecodeCalendar(cal *ical.Calendar) (DecodedEvent, error) {
	if cal == nil || cal.Component == nil {
		return DecodedEvent{}, errors.New("empty calendar object")
	}
	var master *ical.Component
	for _, child := range cal.Children {
		if child.Name != "VEVENT" {
			continue
		}
		if child.Props.Get("RECURRENCE-ID") != nil {
			continue
		}
		master = child
		break
	}
	if master == nil {
		return DecodedEvent{}, errors.New("no VEVENT component")
	}
	return decodeEvent(master, newZoneResolver(cal))
}

// DecodeText parses raw iCalendar text. It is used by tests and by callers
// that receive objects outside of a CalDAV response.
func DecodeText(data []byte) (DecodedEvent, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return DecodedEvent{}, err
	}
	return DecodeCalendar(cal)
}

func decodeEvent(comp *ical.Component, zones zoneResolver) (DecodedEvent, error) {
	props := comp.Props
	uid := strings.TrimSpace(textProp(props, "UID"))
	if uid == "" {
		return DecodedEvent{}, errors.New("VEVENT without UID")
	}
	startProp := props.Get("DTSTART")
	if startProp == nil {
		return DecodedEvent{}, fmt.Errorf("event %s: missing DTSTART", uid)
	}
	start, err := parseTimeProp(*startProp, zones)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("event %s: DTSTART: %w", uid, err)
	}
	allDay := isDateValue(startProp)

	var end time.Time
	if endProp := props.Get("DTEND"); endProp != nil {
		end, err = parseTimeProp(*endProp, zones)
		if err != nil {
			return DecodedEvent{}, fmt.Errorf("event %s: DTEND: %w", uid, err)
		}
	} else if durProp := props.Get("DURATION"); durProp != nil {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return DecodedEvent{}, fmt.Errorf("event %s: DURATION: %w", uid, err)
		}
		end = start.Add(d)
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}
	if end.Before(start) {
		return DecodedEvent{}, fmt.Errorf("event %s: DTEND before DTSTART", uid)
	}

	ev := calsync.Event{
		Title:       textProp(props, "SUMMARY"),
		Description: textProp(props, "DESCRIPTION"),
		Location:    textProp(props, "LOCATION"),
		Start:       start.UTC(),
		End:         end.UTC(),
		AllDay:      allDay,
		Status:      decodeStatus(textProp(props, "STATUS")),
	}

	if rule := props.Get("RRULE"); rule != nil && strings.TrimSpace(rule.Value) != "" {
		if _, err := rrule.StrToROption(rule.Value); err != nil {
			return DecodedEvent{}, fmt.Errorf("event %s: RRULE: %w", uid, err)
		}
		ev.RecurrenceRule = strings.TrimSpace(rule.Value)
	}
	for _, p := range props["EXDATE"] {
		dates, err := parseDateList(p, zones)
		if err != nil {
			return DecodedEvent{}, fmt.Errorf("event %s: EXDATE: %w", uid, err)
		}
		ev.ExceptionDates = append(ev.ExceptionDates, dates...)
	}
	for _, p := range props["ATTENDEE"] {
		email := calAddress(p.Value)
		if email == "" {
			continue
		}
		ev.Attendees = append(ev.Attendees, calsync.Attendee{
			Email:  email,
			Name:   p.Params.Get("CN"),
			Status: decodePartStat(p.Params.Get("PARTSTAT")),
		})
	}
	if org := props.Get("ORGANIZER"); org != nil {
		ev.Organizer = calAddress(org.Value)
	}
	for _, p := range props["CATEGORIES"] {
		text, err := p.Text()
		if err != nil {
			continue
		}
		for _, tag := range strings.Split(text, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				ev.Tags = append(ev.Tags, tag)
			}
		}
	}
	for _, child := range comp.Children {
		if child.Name != "VALARM" {
			continue
		}
		trigger := child.Props.Get("TRIGGER")
		if trigger == nil || strings.EqualFold(trigger.Params.Get("VALUE"), "DATE-TIME") {
			continue
		}
		d, err := parseDuration(trigger.Value)
		if err != nil {
			continue
		}
		if d <= 0 {
			ev.Reminders = append(ev.Reminders, -d)
		}
	}

	out := DecodedEvent{UID: uid, Event: ev}
	if seq := props.Get("SEQUENCE"); seq != nil {
		n, err := strconv.ParseInt(strings.TrimSpace(seq.Value), 10, 64)
		if err == nil && n > 0 {
			out.Sequence = n
		}
	}
	for _, name := range []string{"LAST-MODIFIED", "DTSTAMP"} {
		if p := props.Get(name); p != nil {
			if t, err := parseTimeProp(*p, zones); err == nil {
				out.LastModified = t.UTC()
				break
			}
		}
	}
	return out, nil
}

// EncodeEvent renders ev as a single-VEVENT calendar. uid must be stable
// across updates of the same event.
func EncodeEvent(ev calsync.Event, uid string, sequence int64, stamp time.Time) (*ical.Calendar, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, fmt.Errorf("%w: uid required", calsync.ErrInvalidInput)
	}
	if ev.End.Before(ev.Start) {
		return nil, fmt.Errorf("%w: end before start", calsync.ErrInvalidInput)
	}
	if rule := strings.TrimSpace(ev.RecurrenceRule); rule != "" {
		if _, err := rrule.StrToROption(rule); err != nil {
			return nil, fmt.Errorf("%w: recurrence rule: %v", calsync.ErrInvalidInput, err)
		}
	}

	vevent := ical.NewEvent()
	props := vevent.Props
	props.SetText("UID", uid)
	setUTC(props, "DTSTAMP", stamp)
	setUTC(props, "LAST-MODIFIED", stamp)
	if ev.AllDay {
		setDate(props, "DTSTART", ev.Start)
		end := ev.End
		if !end.After(ev.Start) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		setDate(props, "DTEND", end)
	} else {
		setUTC(props, "DTSTART", ev.Start)
		setUTC(props, "DTEND", ev.End)
	}
	props.SetText("SUMMARY", ev.Title)
	if ev.Description != "" {
		props.SetText("DESCRIPTION", ev.Description)
	}
	if ev.Location != "" {
		props.SetText("LOCATION", ev.Location)
	}
	props.SetText("STATUS", encodeStatus(ev.Status))
	seq := ical.NewProp("SEQUENCE")
	seq.Value = strconv.FormatInt(max(sequence, 0), 10)
	props.Set(seq)

	if rule := strings.TrimSpace(ev.RecurrenceRule); rule != "" {
		p := ical.NewProp("RRULE")
		p.Value = strings.TrimPrefix(rule, "RRULE:")
		props.Set(p)
	}
	for _, ex := range ev.ExceptionDates {
		p := ical.NewProp("EXDATE")
		if ev.AllDay {
			p.Params.Set("VALUE", "DATE")
			p.Value = ex.Format(icalDateLayout)
		} else {
			p.Value = ex.UTC().Format(icalUTCLayout)
		}
		props.Add(p)
	}
	if ev.Organizer != "" {
		p := ical.NewProp("ORGANIZER")
		p.Value = "mailto:" + ev.Organizer
		props.Set(p)
	}
	for _, a := range ev.Attendees {
		if strings.TrimSpace(a.Email) == "" {
			continue
		}
		p := ical.NewProp("ATTENDEE")
		if a.Name != "" {
			p.Params.Set("CN", a.Name)
		}
		p.Params.Set("PARTSTAT", encodePartStat(a.Status))
		p.Value = "mailto:" + strings.TrimSpace(a.Email)
		props.Add(p)
	}
	for _, tag := range ev.Tags {
		p := ical.NewProp("CATEGORIES")
		p.SetText(tag)
		props.Add(p)
	}
	for _, offset := range ev.Reminders {
		alarm := ical.NewComponent("VALARM")
		alarm.Props.SetText("ACTION", "DISPLAY")
		alarm.Props.SetText("DESCRIPTION", "Reminder")
		trigger := ical.NewProp("TRIGGER")
		trigger.Value = formatDuration(-offset)
		alarm.Props.Set(trigger)
		vevent.Children = append(vevent.Children, alarm)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText("PRODID", productID)
	cal.Props.SetText("VERSION", "2.0")
	cal.Children = append(cal.Children, vevent.Component)
	return cal, nil
}

// MergeEvent renders ev into the object previously stored on the server.
// The master VEVENT is replaced; VTIMEZONE components, calendar properties and
// RECURRENCE-ID overrides of a still recurring event are carried over. A nil
// existing object encodes ev from scratch.
func MergeEvent(existing *ical.Calendar, ev calsync.Event, uid string, sequence int64, stamp time.Time) (*ical.Calendar, error) {
	fresh, err := EncodeEvent(ev, uid, sequence, stamp)
	if err != nil || existing == nil || existing.Component == nil {
		return fresh, err
	}
	master := fresh.Children[0]
	recurring := strings.TrimSpace(ev.RecurrenceRule) != ""

	var others, overrides []*ical.Component
	for _, child := range existing.Children {
		if child.Name != "VEVENT" {
			others = append(others, child)
			continue
		}
		if child.Props.Get("RECURRENCE-ID") == nil {
			continue
		}
		if recurring && strings.TrimSpace(textProp(child.Props, "UID")) == strings.TrimSpace(uid) {
			overrides = append(overrides, child)
		}
	}

	for name, props := range existing.Props {
		if name == "PRODID" || name == "VERSION" {
			continue
		}
		fresh.Props[name] = props
	}
	children := make([]*ical.Component, 0, len(others)+1+len(overrides))
	children = append(children, others...)
	children = append(children, master)
	children = append(children, overrides...)
	fresh.Children = children
	return fresh, nil
}

// EncodeText renders ev to iCalendar text.
func EncodeText(ev calsync.Event, uid string, sequence int64, stamp time.Time) ([]byte, error) {
	cal, err := EncodeEvent(ev, uid, sequence, stamp)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func textProp(props ical.Props, name string) string {
	p := props.Get(name)
	if p == nil {
		return ""
	}
	text, err := p.Text()
	if err != nil {
		return p.Value
	}
	return text
}

func isDateValue(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get("VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func setUTC(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.Value = t.UTC().Format(icalUTCLayout)
	props.Set(p)
}

func setDate(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.Params.Set("VALUE", "DATE")
	p.Value = t.Format(icalDateLayout)
	props.Set(p)
}

func parseDateList(p ical.Prop, zones zoneResolver) ([]time.Time, error) {
	tzid := strings.TrimSpace(p.Params.Get("TZID"))
	var out []time.Time
	for _, raw := range strings.Split(p.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		switch {
		case strings.HasSuffix(raw, "Z"):
			t, err = time.Parse(icalUTCLayout, raw)
		case strings.Contains(raw, "T"):
			t, err = zones.parseLocal(raw, tzid)
		default:
			t, err = time.ParseInLocation(icalDateLayout, raw, time.UTC)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

func parseTimeProp(p ical.Prop, zones zoneResolver) (time.Time, error) {
	dates, err := parseDateList(p, zones)
	if err != nil {
		return time.Time{}, err
	}
	if len(dates) != 1 {
		return time.Time{}, fmt.Errorf("%s: expected one value, got %q", p.Name, p.Value)
	}
	return dates[0], nil
}

func calAddress(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 7 && strings.EqualFold(value[:7], "mailto:") {
		value = value[7:]
	}
	return strings.TrimSpace(value)
}

func decodeStatus(s string) calsync.EventStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TENTATIVE":
		return calsync.StatusTentative
	case "CANCELLED":
		return calsync.StatusCancelled
	default:
		return calsync.StatusConfirmed
	}
}

func encodeStatus(s calsync.EventStatus) string {
	switch s {
	case calsync.StatusTentative:
		return "TENTATIVE"
	case calsync.StatusCancelled:
		return "CANCELLED"
	default:
		return "CONFIRMED"
	}
}

func decodePartStat(s string) calsync.ParticipationStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED":
		return calsync.PartStatAccepted
	case "DECLINED":
		return calsync.PartStatDeclined
	case "TENTATIVE":
		return calsync.PartStatTentative
	case "DELEGATED":
		return calsync.PartStatDelegated
	default:
		return calsync.PartStatNeedsAction
	}
}

func encodePartStat(s calsync.ParticipationStatus) string {
	if s == "" {
		return "NEEDS-ACTION"
	}
	return strings.ToUpper(string(s))
}

// parseDuration reads an RFC 5545 dur-value such as "-PT15M" or "P1DT2H".
func parseDuration(value string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(value))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	s = s[1:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, err
		}
		num = ""
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", value)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return sign * total, nil
}

func formatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if d == 0 {
		if days == 0 {
			b.WriteString("T0S")
		}
		return b.String()
	}
	b.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
