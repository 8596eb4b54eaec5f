package zipstore

import "time"

// DOS date fields count years from 1980 in 7 bits.
const (
	dosMinYear = 1980
	dosMaxYear = 2107
)

// DOSTimeDate converts t into the MS-DOS time and date fields used by ZIP
// headers. The wall-clock fields of t are used as-is; no zone conversion
// happens. Seconds are stored with 2-second resolution. Instants outside
// 1980..2107 are clamped to the nearest representable value.
func DOSTimeDate(t time.Time) (dosTime, dosDate uint16) {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	switch {
	case year < dosMinYear:
		year, month, day = dosMinYear, time.January, 1
		hour, minute, sec = 0, 0, 0
	case year > dosMaxYear:
		year, month, day = dosMaxYear, time.December, 31
		hour, minute, sec = 23, 59, 58
	}

	dosTime = uint16(hour<<11 | minute<<5 | sec/2)
	dosDate = uint16((year-dosMinYear)<<9 | int(month)<<5 | day)
	return dosTime, dosDate
}

// CurrentDOSTimeDate encodes the current local time.
func CurrentDOSTimeDate() (dosTime, dosDate uint16) {
	return DOSTimeDate(time.Now())
}
