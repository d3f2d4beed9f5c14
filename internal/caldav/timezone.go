package caldav

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// zoneResolver interprets TZID-qualified local times. Zones defined by the
// object's own VTIMEZONE components win over the system zone database.
type zoneResolver struct {
	zones map[string]*ical.Component
}

func newZoneResolver(cal *ical.Calendar) zoneResolver {
	z := zoneResolver{zones: map[string]*ical.Component{}}
	if cal == nil || cal.Component == nil {
		return z
	}
	for _, child := range cal.Children {
		if child.Name != "VTIMEZONE" {
			continue
		}
		if id := strings.TrimSpace(textProp(child.Props, "TZID")); id != "" {
			z.zones[id] = child
		}
	}
	return z
}

// parseLocal reads a DATE-TIME without a trailing Z. Without a TZID the value
// is floating and taken as UTC.
func (z zoneResolver) parseLocal(raw, tzid string) (time.Time, error) {
	if tzid == "" {
		return time.ParseInLocation(icalFloatingLayout, raw, time.UTC)
	}
	if zone, ok := z.zones[tzid]; ok {
		wall, err := time.ParseInLocation(icalFloatingLayout, raw, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		offset, err := observanceOffset(zone, wall)
		if err != nil {
			return time.Time{}, fmt.Errorf("TZID %q: %w", tzid, err)
		}
		return wall.Add(-offset), nil
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return time.ParseInLocation(icalFloatingLayout, raw, loc)
	}
	return time.Time{}, fmt.Errorf("unknown TZID %q", tzid)
}

// observanceOffset returns the UTC offset in force at wall, a local time
// expressed in UTC. The latest STANDARD or DAYLIGHT onset at or before wall
// decides; dates before every onset use the earliest observance's
// TZOFFSETFROM.
func observanceOffset(zone *ical.Component, wall time.Time) (time.Duration, error) {
	var (
		best, earliest         time.Time
		offset, earliestOffset time.Duration
		found, seen            bool
	)
	for _, obs := range zone.Children {
		if obs.Name != "STANDARD" && obs.Name != "DAYLIGHT" {
			continue
		}
		startProp, toProp := obs.Props.Get("DTSTART"), obs.Props.Get("TZOFFSETTO")
		if startProp == nil || toProp == nil {
			return 0, fmt.Errorf("%s without DTSTART or TZOFFSETTO", obs.Name)
		}
		start, err := time.ParseInLocation(icalFloatingLayout, strings.TrimSpace(startProp.Value), time.UTC)
		if err != nil {
			return 0, err
		}
		to, err := parseUTCOffset(toProp.Value)
		if err != nil {
			return 0, err
		}
		from := to
		if p := obs.Props.Get("TZOFFSETFROM"); p != nil {
			if from, err = parseUTCOffset(p.Value); err != nil {
				return 0, err
			}
		}
		if !seen || start.Before(earliest) {
			earliest, earliestOffset, seen = start, from, true
		}

		onset := start
		if rule := obs.Props.Get("RRULE"); rule != nil && strings.TrimSpace(rule.Value) != "" {
			opt, err := rrule.StrToROption(rule.Value)
			if err != nil {
				return 0, err
			}
			opt.Dtstart = start
			r, err := rrule.NewRRule(*opt)
			if err != nil {
				return 0, err
			}
			onset = r.Before(wall, true)
			if onset.IsZero() {
				continue
			}
		} else if start.After(wall) {
			continue
		}
		if !found || onset.After(best) {
			best, offset, found = onset, to, true
		}
	}
	switch {
	case found:
		return offset, nil
	case seen:
		return earliestOffset, nil
	default:
		return 0, errors.New("VTIMEZONE has no observances")
	}
}

// parseUTCOffset reads "+HHMM" or "+HHMMSS".
func parseUTCOffset(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", value)
	}
	sign := time.Duration(1)
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", value)
	}
	parts := []string{v[1:3], v[3:5]}
	if len(v) == 7 {
		parts = append(parts, v[5:7])
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q", value)
		}
		total += time.Duration(n) * units[i]
	}
	return sign * total, nil
}
