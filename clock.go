package vfatnbd

import (
	"time"
)

// ParseDate reads the given input as a date like it is specified in the specification:
//  A FAT directory entry date stamp is a 16-bit field that is basically a
//  date relative to the MS-DOS epoch of 01/01/1980. Here is the format (bit 0 is the
//  LSB of the 16-bit word, bit 15 is the MSB of the 16-bit word):
//   Bits 0–4: Day of month, valid value range 1-31 inclusive.
//   Bits 5–8: Month of year, 1 = January, valid value range 1–12 inclusive.
//   Bits 9–15: Count of years from 1980, valid value range 0–127 inclusive
//   (1980–2107).
// It returns a time.Time which has always a time of 00:00:00.000000000 UTC.
//
// As value 0 for day and month is defined as invalid in the specification
// the value time.Time{} is used to be compatible with time.Time.IsZero() if any of that cases occurs.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads the given input as a time like it is specified in the specification:
//  A FAT directory entry time stamp is a 16-bit field that has a
//  granularity of 2 seconds.
//   Bits 0–4: 2-second count, valid value range 0–29 inclusive (0 – 58 seconds).
//   Bits 5–10: Minutes, valid value range 0–59 inclusive.
//   Bits 11–15: Hours, valid value range 0–23 inclusive.
// It returns a time.Time which has always a date of January 1, year 1, so that
// time.Time.IsZero() works for the midnight case.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// EncodeDate packs a calendar date into the 16-bit FAT date field, using the
// instant's own location (callers decide UTC vs local by what they pass in).
// Dates outside the representable 1980-2107 range saturate rather than wrap.
func EncodeDate(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	if year > 127 {
		year = 127
	}
	return uint16(t.Day()) | uint16(t.Month())<<5 | uint16(year)<<9
}

// EncodeTime packs a time-of-day into the 16-bit FAT time field at 2-second
// granularity, using the instant's own location.
func EncodeTime(t time.Time) uint16 {
	return uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
}

// EncodeDateTime returns (date, time) for mtime, a table writer uses localtime
// for this pair; the directory encoder calls EncodeDateTime for mtime and
// EncodeDate(t.UTC()) alone for atime, preserving the localtime/UTC asymmetry
// observed in the reference implementation.
func EncodeDateTime(t time.Time) (date, clock uint16) {
	local := t.Local()
	return EncodeDate(local), EncodeTime(local)
}
