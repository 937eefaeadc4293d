package conversation

import "time"

// FormatClock: время суток "15:04".
func FormatClock(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("15:04")
}

// FormatDay: дата вида "July 15".
func FormatDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("January 2")
}

// FormatListStamp: "15:04" для сегодняшних сообщений, иначе "01/02/2006".
func FormatListStamp(t, now time.Time, loc *time.Location) string {
	lt, ln := t.In(loc), now.In(loc)
	if lt.Year() == ln.Year() && lt.YearDay() == ln.YearDay() {
		return lt.Format("15:04")
	}
	return lt.Format("01/02/2006")
}
