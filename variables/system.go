package variables

import (
	"strconv"
	"time"
)

// System variable names
const (
	SystemDayOfWeek     = "$systemDayOfWeek"
	SystemDayOfMonth    = "$systemDayOfMonth"
	SystemMonth         = "$systemMonth"
	SystemYear          = "$systemYear"
	SystemHourOfDay     = "$systemHourOfDay"
	SystemMinuteOfHour  = "$systemMinuteOfHour"
	SystemDate          = "$systemDate"
	SystemTime          = "$systemTime"
	SystemTimestamp     = "$systemTimestamp"
	SystemParticipantID = "$systemParticipantId"
	SystemLinebreak     = "$systemLinebreak"
)

// SystemValues computes the system layer for a participant at now.
// Day of week runs from 1 (Monday) to 7 (Sunday).
func SystemValues(now time.Time, participantID string) map[string]string {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return map[string]string{
		SystemDayOfWeek:     strconv.Itoa(weekday),
		SystemDayOfMonth:    strconv.Itoa(now.Day()),
		SystemMonth:         strconv.Itoa(int(now.Month())),
		SystemYear:          strconv.Itoa(now.Year()),
		SystemHourOfDay:     strconv.Itoa(now.Hour()),
		SystemMinuteOfHour:  strconv.Itoa(now.Minute()),
		SystemDate:          now.Format("2006-01-02"),
		SystemTime:          now.Format("15:04"),
		SystemTimestamp:     strconv.FormatInt(now.UnixMilli(), 10),
		SystemParticipantID: participantID,
		SystemLinebreak:     "\n",
	}
}

// Clock supplies the current time in the store's location
type Clock func() time.Time

// ClockIn returns a Clock reporting wall time in loc
func ClockIn(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return func() time.Time { return time.Now().In(loc) }
}
