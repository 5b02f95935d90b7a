package cron

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	monthNames = []string{"", "January", "February", "March", "April", "May", "June", "July",
		"August", "September", "October", "November", "December"}
	dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

	monthAbbrev = map[string]int{"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12}
	dayAbbrev = map[string]int{"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6}
)

type unit struct {
	singular string
	plural   string
	name     func(string) string
}

var (
	secondUnit = unit{singular: "second", plural: "seconds"}
	minuteUnit = unit{singular: "minute", plural: "minutes"}
	hourUnit   = unit{singular: "hour", plural: "hours"}
	domUnit    = unit{singular: "day", plural: "days"}
	monthUnit  = unit{singular: "month", plural: "months", name: func(v string) string { return lookupName(v, monthNames, monthAbbrev) }}
	dowUnit    = unit{singular: "day of the week", plural: "days of the week", name: func(v string) string { return lookupName(v, dayNames, dayAbbrev) }}
)

// Describe renders a six-field expression as English. The input is assumed valid.
func Describe(text string) string {
	f := strings.Fields(text)
	if len(f) != fieldCount {
		return text
	}
	sec, minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4], f[5]

	var parts []string
	if isNumber(sec) && isNumber(minute) && isNumber(hour) {
		h, _ := strconv.Atoi(hour)
		m, _ := strconv.Atoi(minute)
		sc, _ := strconv.Atoi(sec)
		parts = append(parts, fmt.Sprintf("at %02d:%02d:%02d", h, m, sc))
	} else {
		parts = appendTimeField(parts, sec, "", secondUnit)
		parts = appendTimeField(parts, minute, sec, minuteUnit)
		parts = appendTimeField(parts, hour, minute, hourUnit)
	}
	if !isWildcard(dom) {
		parts = append(parts, describeCalendar(dom, domUnit, "on day", "of the month"))
	}
	if !isWildcard(month) {
		parts = append(parts, describeCalendar(month, monthUnit, "in", ""))
	}
	if !isWildcard(dow) {
		parts = append(parts, describeCalendar(dow, dowUnit, "on", ""))
	}

	out := strings.Join(parts, ", ")
	if out == "" {
		return text
	}
	return strings.ToUpper(out[:1]) + out[1:]
}

// appendTimeField describes a second, minute or hour field. A wildcard is only
// spelled out when the finer field is pinned, otherwise it adds nothing.
func appendTimeField(parts []string, field, finer string, u unit) []string {
	if isWildcard(field) {
		if finer == "" || !(isWildcard(finer) || isStep(finer)) {
			return append(parts, "every "+u.singular)
		}
		return parts
	}
	if isStep(field) && !strings.Contains(field, ",") {
		return append(parts, describeStep(field, u))
	}
	items := strings.Split(field, ",")
	label := u.singular
	if len(items) > 1 || strings.Contains(field, "-") {
		label = u.plural
	}
	return append(parts, "at "+label+" "+joinItems(items, u))
}

func describeCalendar(field string, u unit, prefix, suffix string) string {
	if isStep(field) && !strings.Contains(field, ",") {
		return describeStep(field, u)
	}
	out := prefix + " " + joinItems(strings.Split(field, ","), u)
	if suffix != "" {
		out += " " + suffix
	}
	return out
}

func describeStep(field string, u unit) string {
	base, step, _ := strings.Cut(field, "/")
	n, err := strconv.Atoi(step)
	if err != nil {
		return field
	}
	every := "every " + strconv.Itoa(n) + " " + u.plural
	if n == 1 {
		every = "every " + u.singular
	}
	switch {
	case base == "*" || base == "?":
		return every
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		return every + " from " + nameOf(lo, u) + " through " + nameOf(hi, u)
	default:
		return every + " starting at " + nameOf(base, u)
	}
}

func joinItems(items []string, u unit) string {
	rendered := make([]string, 0, len(items))
	for _, item := range items {
		if lo, hi, ok := strings.Cut(item, "-"); ok {
			rendered = append(rendered, nameOf(lo, u)+" through "+nameOf(hi, u))
			continue
		}
		rendered = append(rendered, nameOf(item, u))
	}
	switch len(rendered) {
	case 0:
		return ""
	case 1:
		return rendered[0]
	default:
		return strings.Join(rendered[:len(rendered)-1], ", ") + " and " + rendered[len(rendered)-1]
	}
}

func nameOf(v string, u unit) string {
	if u.name != nil {
		return u.name(v)
	}
	return v
}

func lookupName(v string, names []string, abbrev map[string]int) string {
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(names) && names[n] != "" {
		return names[n]
	}
	if n, ok := abbrev[strings.ToUpper(v)]; ok {
		return names[n]
	}
	return v
}

func isWildcard(field string) bool {
	return field == "*" || field == "?"
}

func isStep(field string) bool {
	return strings.Contains(field, "/")
}

func isNumber(field string) bool {
	_, err := strconv.Atoi(field)
	return err == nil
}
