/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package timeindex is the single source of truth for period keys and period
// boundaries. Everything is computed in UTC; period ends are inclusive at the
// .999 millisecond.
package timeindex

import (
	"fmt"
	"time"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
)

// Keys holds the six canonical period keys for one instant.
type Keys struct {
	Minute string
	Hour   string
	Day    string
	Week   string
	Month  string
	Year   string
}

// For returns the key matching the given period type.
func (k Keys) For(periodType metering.PeriodType) (string, error) {
	switch periodType {
	case metering.Hourly:
		return k.Hour, nil
	case metering.Daily:
		return k.Day, nil
	case metering.Weekly:
		return k.Week, nil
	case metering.Monthly:
		return k.Month, nil
	case metering.Yearly:
		return k.Year, nil
	}
	return "", fmt.Errorf("unknown period type %q", periodType)
}

// PeriodKeys computes the six canonical period keys for t. The week key uses
// ISO-8601 week numbering, so its year component is the ISO week-year, which
// can differ from the calendar year around January 1st.
func PeriodKeys(t time.Time) Keys {
	t = t.UTC()
	isoYear, isoWeek := t.ISOWeek()
	return Keys{
		Minute: t.Format("200601021504"),
		Hour:   t.Format("2006010215"),
		Day:    t.Format("20060102"),
		Week:   fmt.Sprintf("%04d%02d", isoYear, isoWeek),
		Month:  t.Format("200601"),
		Year:   t.Format("2006"),
	}
}

// CurrentPeriodBounds returns the inclusive bounds and the key of the period
// of the given type containing now.
func CurrentPeriodBounds(periodType metering.PeriodType, now time.Time) (time.Time, time.Time, string, error) {
	now = now.UTC()
	var start, end time.Time
	switch periodType {
	case metering.Hourly:
		start = time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
		end = start.Add(time.Hour)
	case metering.Daily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case metering.Weekly:
		// ISO weeks start Monday
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)
	case metering.Monthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case metering.Yearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default:
		return time.Time{}, time.Time{}, "", fmt.Errorf("unknown period type %q", periodType)
	}
	end = end.Add(-time.Millisecond)
	key, err := PeriodKeys(start).For(periodType)
	if err != nil {
		return time.Time{}, time.Time{}, "", err
	}
	return start, end, key, nil
}

// PreviousCompletedPeriodBounds returns the bounds and key of the period
// immediately preceding the one containing now. The cron scheduler only ever
// closes this period.
func PreviousCompletedPeriodBounds(periodType metering.PeriodType, now time.Time) (time.Time, time.Time, string, error) {
	start, _, _, err := CurrentPeriodBounds(periodType, now)
	if err != nil {
		return time.Time{}, time.Time{}, "", err
	}
	return CurrentPeriodBounds(periodType, start.Add(-time.Millisecond))
}

// Complete reports whether the period ending at periodEnd is complete at now,
// i.e. now lies strictly after the inclusive period end.
func Complete(periodEnd, now time.Time) bool {
	return now.After(periodEnd)
}
