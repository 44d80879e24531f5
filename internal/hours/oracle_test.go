package hours

import (
	"strings"
	"testing"
	"time"

	"avisobot/internal/config"
)

func testCalendar() config.BusinessHours {
	day := &config.DayHours{Start: "08:00", End: "16:00"}
	return config.BusinessHours{
		Timezone: "Europe/Madrid",
		RegularHours: map[string]*config.DayHours{
			"monday":    day,
			"tuesday":   day,
			"wednesday": day,
			"thursday":  day,
			"friday":    day,
			"saturday":  nil,
			"sunday":    nil,
		},
		Holidays: map[string][]config.Closure{
			"2026": {
				{Date: "2026-01-01", Name: "Año Nuevo"},
				{Date: "2026-01-06", Name: "Reyes"},
			},
		},
		ExceptionalClosures: []config.Closure{
			{Date: "2026-03-02", Name: "Inventario"},
		},
		AutoReplyMessages: config.ReplyTemplates{
			Holiday:           "Cerrado por {holidayName}. Volvemos el {nextBusinessDay}.",
			WeekendOrExtended: "Cerrado hasta el {nextBusinessDay}.",
			OutOfHours:        "Fuera de horario. Abrimos mañana a las 08:00.",
		},
	}
}

func mustOracle(t *testing.T) *Oracle {
	t.Helper()
	o, err := New(testCalendar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// at builds a Madrid-local instant. 2026-01-07 is a Wednesday.
func at(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestIsBusinessHours(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)
	tests := []struct {
		name   string
		when   string
		open   bool
		reason Reason
	}{
		{name: "wednesday mid-morning", when: "2026-01-07 10:00", open: true},
		{name: "wednesday opening minute", when: "2026-01-07 08:00", open: true},
		{name: "wednesday closing minute", when: "2026-01-07 16:00", open: false, reason: ReasonAfterHours},
		{name: "wednesday early", when: "2026-01-07 07:59", open: false, reason: ReasonBeforeHours},
		{name: "saturday", when: "2026-01-10 10:00", open: false, reason: ReasonWeekend},
		{name: "sunday", when: "2026-01-11 10:00", open: false, reason: ReasonWeekend},
		{name: "holiday overrides weekday", when: "2026-01-06 10:00", open: false, reason: ReasonHoliday},
		{name: "exceptional closure", when: "2026-03-02 10:00", open: false, reason: ReasonHoliday},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := o.IsBusinessHours(at(t, tt.when))
			if got.Open != tt.open {
				t.Fatalf("Open = %v, want %v", got.Open, tt.open)
			}
			if !tt.open && got.Reason != tt.reason {
				t.Fatalf("Reason = %s, want %s", got.Reason, tt.reason)
			}
		})
	}
}

func TestHolidayName(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)
	got := o.IsBusinessHours(at(t, "2026-01-06 10:00"))
	if got.HolidayName != "Reyes" {
		t.Fatalf("HolidayName = %q, want Reyes", got.HolidayName)
	}
}

func TestGetNextBusinessDay(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)
	tests := []struct {
		name  string
		from  string
		want  string // YYYY-MM-DD
		ahead int
	}{
		// Monday 2026-01-05 works; Tuesday the 6th is Reyes.
		{name: "friday skips weekend", from: "2026-01-02 17:00", want: "2026-01-05", ahead: 3},
		{name: "monday skips holiday", from: "2026-01-05 17:00", want: "2026-01-07", ahead: 2},
		{name: "midweek", from: "2026-01-07 17:00", want: "2026-01-08", ahead: 1},
		{name: "friday before closure monday", from: "2026-02-27 17:00", want: "2026-03-03", ahead: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			nbd, ok := o.GetNextBusinessDay(at(t, tt.from))
			if !ok {
				t.Fatal("expected a next business day")
			}
			if got := nbd.Date.Format("2006-01-02"); got != tt.want {
				t.Fatalf("Date = %s, want %s", got, tt.want)
			}
			if nbd.DaysAhead != tt.ahead {
				t.Fatalf("DaysAhead = %d, want %d", nbd.DaysAhead, tt.ahead)
			}
		})
	}
}

func TestNextBusinessDayLabel(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)
	nbd, ok := o.GetNextBusinessDay(at(t, "2026-01-07 17:00"))
	if !ok {
		t.Fatal("expected a next business day")
	}
	if nbd.Label != "jueves 08/01/2026" {
		t.Fatalf("Label = %q", nbd.Label)
	}
}

func TestNextBusinessDayBounded(t *testing.T) {
	t.Parallel()
	bh := testCalendar()
	// No weekly windows at all: the scan must give up, not loop.
	for k := range bh.RegularHours {
		bh.RegularHours[k] = nil
	}
	o, err := New(bh)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := o.GetNextBusinessDay(at(t, "2026-01-07 17:00")); ok {
		t.Fatal("expected no next business day")
	}
}

func TestGetAutoReplyMessage(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)

	if _, ok := o.GetAutoReplyMessage(at(t, "2026-01-07 10:00")); ok {
		t.Fatal("no reply expected during business hours")
	}

	// Holiday: template with the holiday name and next day rendered.
	msg, ok := o.GetAutoReplyMessage(at(t, "2026-01-06 10:00"))
	if !ok {
		t.Fatal("expected a reply on a holiday")
	}
	if !strings.Contains(msg, "Reyes") {
		t.Fatalf("holiday reply missing name: %q", msg)
	}
	if !strings.Contains(msg, "miércoles 07/01/2026") {
		t.Fatalf("holiday reply missing next day: %q", msg)
	}
	if strings.Contains(msg, "{") {
		t.Fatalf("unrendered placeholder in %q", msg)
	}

	// Friday evening: more than two days to Monday the 5th.
	msg, ok = o.GetAutoReplyMessage(at(t, "2026-01-02 17:00"))
	if !ok {
		t.Fatal("expected a reply on friday evening")
	}
	if msg != "Cerrado hasta el lunes 05/01/2026." {
		t.Fatalf("weekend reply = %q", msg)
	}

	// Midweek evening: plain out-of-hours text.
	msg, ok = o.GetAutoReplyMessage(at(t, "2026-01-07 20:00"))
	if !ok {
		t.Fatal("expected a reply midweek evening")
	}
	if msg != "Fuera de horario. Abrimos mañana a las 08:00." {
		t.Fatalf("out-of-hours reply = %q", msg)
	}

	// Monday evening before the Reyes bridge: two days out lands on the
	// holiday template.
	msg, ok = o.GetAutoReplyMessage(at(t, "2026-01-05 20:00"))
	if !ok {
		t.Fatal("expected a reply on monday evening")
	}
	if !strings.Contains(msg, "Volvemos el miércoles 07/01/2026") {
		t.Fatalf("bridge reply = %q", msg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := testCalendar()
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := testCalendar()
	bad.Timezone = "Mars/Olympus"
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for unknown timezone")
	}

	bad = testCalendar()
	bad.RegularHours["monday"] = &config.DayHours{Start: "16:00", End: "08:00"}
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for inverted window")
	}

	bad = testCalendar()
	bad.Holidays["2026"] = append(bad.Holidays["2026"], config.Closure{Date: "not-a-date", Name: "x"})
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for invalid holiday date")
	}

	bad = testCalendar()
	bad.RegularHours["funday"] = &config.DayHours{Start: "08:00", End: "16:00"}
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestReloadKeepsOldOnError(t *testing.T) {
	t.Parallel()
	o := mustOracle(t)
	bad := testCalendar()
	bad.Timezone = ""
	if err := o.Reload(bad); err == nil {
		t.Fatal("expected reload error")
	}
	// Old calendar still answers.
	if got := o.IsBusinessHours(at(t, "2026-01-07 10:00")); !got.Open {
		t.Fatal("old calendar should still be in effect")
	}
}
