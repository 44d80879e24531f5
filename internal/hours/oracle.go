// Package hours decides whether "now" falls within support hours and
// picks the matching auto-reply template.
package hours

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"avisobot/internal/config"
)

type Reason string

const (
	ReasonHoliday     Reason = "holiday"
	ReasonWeekend     Reason = "weekend" // no weekly window configured for the day
	ReasonBeforeHours Reason = "before_hours"
	ReasonAfterHours  Reason = "after_hours"
)

// Result is the answer to "is the support desk open right now".
type Result struct {
	Open        bool
	Reason      Reason
	HolidayName string
}

// NextBusinessDay describes the first upcoming day with a weekly window
// and no closure override.
type NextBusinessDay struct {
	Date      time.Time
	Label     string
	DaysAhead int
}

// window is a compiled daily window in minutes since midnight.
type window struct {
	start int
	end   int
}

type calendar struct {
	loc       *time.Location
	weekly    [7]*window        // indexed by time.Weekday
	closures  map[string]string // "YYYY-MM-DD" -> name (holidays + exceptional)
	templates config.ReplyTemplates
}

// Oracle answers business-hours queries. It is immutable between
// Reload calls and safe for concurrent use.
type Oracle struct {
	mu  sync.RWMutex
	cal *calendar
}

func New(bh config.BusinessHours) (*Oracle, error) {
	cal, err := compile(bh)
	if err != nil {
		return nil, err
	}
	return &Oracle{cal: cal}, nil
}

// Reload swaps in a new calendar. The old one stays in effect if the new
// one does not compile.
func (o *Oracle) Reload(bh config.BusinessHours) error {
	cal, err := compile(bh)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.cal = cal
	o.mu.Unlock()
	return nil
}

func (o *Oracle) calendar() *calendar {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cal
}

var weekdayKeys = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Spanish weekday names for the {nextBusinessDay} label; the calendar and
// its templates are written for a Spanish-speaking audience.
var weekdayLabels = [7]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

func compile(bh config.BusinessHours) (*calendar, error) {
	tz := strings.TrimSpace(bh.Timezone)
	if tz == "" {
		return nil, fmt.Errorf("businessHours.timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("businessHours.timezone: %w", err)
	}

	cal := &calendar{
		loc:       loc,
		closures:  map[string]string{},
		templates: bh.AutoReplyMessages,
	}

	for key, dh := range bh.RegularHours {
		wd, ok := weekdayKeys[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			return nil, fmt.Errorf("businessHours.regularHours: unknown day %q", key)
		}
		if dh == nil {
			continue // closed all day
		}
		start, err := parseHHMM(dh.Start)
		if err != nil {
			return nil, fmt.Errorf("businessHours.regularHours.%s.start: %w", key, err)
		}
		end, err := parseHHMM(dh.End)
		if err != nil {
			return nil, fmt.Errorf("businessHours.regularHours.%s.end: %w", key, err)
		}
		if end <= start {
			return nil, fmt.Errorf("businessHours.regularHours.%s: end must be after start", key)
		}
		cal.weekly[wd] = &window{start: start, end: end}
	}

	addClosure := func(path string, c config.Closure) error {
		d := strings.TrimSpace(c.Date)
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return fmt.Errorf("%s: invalid date %q: %w", path, c.Date, err)
		}
		cal.closures[d] = c.Name
		return nil
	}
	for year, list := range bh.Holidays {
		for _, c := range list {
			if err := addClosure("businessHours.holidays."+year, c); err != nil {
				return nil, err
			}
		}
	}
	for _, c := range bh.ExceptionalClosures {
		if err := addClosure("businessHours.exceptionalClosures", c); err != nil {
			return nil, err
		}
	}

	return cal, nil
}

func parseHHMM(s string) (minutes int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Validate compiles the calendar and discards it; used as the config
// manager's validation hook.
func Validate(bh config.BusinessHours) error {
	_, err := compile(bh)
	return err
}

// IsBusinessHours reports whether now (converted to the configured
// timezone) is inside support hours. Closure tables take precedence over
// the weekly schedule.
func (o *Oracle) IsBusinessHours(now time.Time) Result {
	cal := o.calendar()
	t := now.In(cal.loc)

	if name, ok := cal.closures[t.Format("2006-01-02")]; ok {
		return Result{Open: false, Reason: ReasonHoliday, HolidayName: name}
	}

	w := cal.weekly[t.Weekday()]
	if w == nil {
		return Result{Open: false, Reason: ReasonWeekend}
	}

	minutes := t.Hour()*60 + t.Minute()
	switch {
	case minutes < w.start:
		return Result{Open: false, Reason: ReasonBeforeHours}
	case minutes >= w.end:
		return Result{Open: false, Reason: ReasonAfterHours}
	default:
		return Result{Open: true}
	}
}

// GetNextBusinessDay scans forward day by day (bounded to 30 days) for
// the first day that has a weekly window and no closure override.
func (o *Oracle) GetNextBusinessDay(from time.Time) (NextBusinessDay, bool) {
	cal := o.calendar()
	t := from.In(cal.loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cal.loc)

	for i := 1; i <= 30; i++ {
		d := day.AddDate(0, 0, i)
		if cal.weekly[d.Weekday()] == nil {
			continue
		}
		if _, closed := cal.closures[d.Format("2006-01-02")]; closed {
			continue
		}
		label := fmt.Sprintf("%s %s", weekdayLabels[d.Weekday()], d.Format("02/01/2006"))
		return NextBusinessDay{Date: d, Label: label, DaysAhead: i}, true
	}
	return NextBusinessDay{}, false
}

// GetAutoReplyMessage returns the rendered out-of-hours reply, or ok=false
// when the desk is currently open (no reply should be sent).
//
// Template choice: holiday closures use the holiday template; a gap of
// more than two days to the next business day uses the weekend/extended
// template; a gap of more than one day still reads as a holiday bridge;
// anything else is the plain out-of-hours text.
func (o *Oracle) GetAutoReplyMessage(now time.Time) (string, bool) {
	r := o.IsBusinessHours(now)
	if r.Open {
		return "", false
	}
	cal := o.calendar()

	nbd, haveNext := o.GetNextBusinessDay(now)

	var tpl string
	switch {
	case r.Reason == ReasonHoliday:
		tpl = cal.templates.Holiday
	case haveNext && nbd.DaysAhead > 2:
		tpl = cal.templates.WeekendOrExtended
	case haveNext && nbd.DaysAhead > 1:
		tpl = cal.templates.Holiday
	default:
		tpl = cal.templates.OutOfHours
	}
	if strings.TrimSpace(tpl) == "" {
		tpl = cal.templates.OutOfHours
	}
	if strings.TrimSpace(tpl) == "" {
		return "", false
	}

	tpl = strings.ReplaceAll(tpl, "{holidayName}", r.HolidayName)
	if haveNext {
		tpl = strings.ReplaceAll(tpl, "{nextBusinessDay}", nbd.Label)
	}
	return tpl, true
}
