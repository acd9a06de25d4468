package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Money is an amount in minor units (kopecks). The zero value is an
// absent amount: Valid is false and arithmetic yields zero.
type Money struct {
	Minor int64
	Valid bool
}

func FromMinor(minor int64) Money { return Money{Minor: minor, Valid: true} }

// FromMajor converts a whole-unit amount, e.g. FromMajor(500) is 500.00.
func FromMajor(major int64) Money { return Money{Minor: major * 100, Valid: true} }

// maxMajor is the largest whole amount whose minor units fit in int64
// with room for the fractional part.
const maxMajor = math.MaxInt64/100 - 1

// ParseMoney parses a decimal amount such as "500", "499.9" or "1e3".
// Digits past the second decimal are rounded half away from zero.
func ParseMoney(s string) (Money, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, false
	}
	if strings.ContainsAny(s, "eE") || strings.EqualFold(s, "nan") || strings.Contains(strings.ToLower(s), "inf") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxMajor {
			return Money{}, false
		}
		return FromMinor(int64(math.Round(f * 100))), true
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return Money{}, false
	}
	if !allDigits(whole) || !allDigits(frac) {
		return Money{}, false
	}

	var minor int64
	if whole != "" {
		w, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || w > maxMajor {
			return Money{}, false
		}
		minor = w * 100
	}
	cents := frac + "00"
	c, _ := strconv.ParseInt(cents[:2], 10, 64)
	minor += c
	if len(frac) > 2 && frac[2] >= '5' {
		minor++
	}
	if neg {
		minor = -minor
	}
	return FromMinor(minor), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Mul returns m*n. An invalid amount stays invalid, and so does a product
// that does not fit in int64.
func (m Money) Mul(n int) Money {
	if !m.Valid {
		return Money{}
	}
	p := m.Minor * int64(n)
	if n != 0 && p/int64(n) != m.Minor {
		return Money{}
	}
	return FromMinor(p)
}

func (m Money) Add(o Money) Money {
	return FromMinor(m.OrZero().Minor + o.OrZero().Minor)
}

// OrZero maps an invalid amount to a valid zero.
func (m Money) OrZero() Money {
	if !m.Valid {
		return FromMinor(0)
	}
	return m
}

// String renders the amount with two decimals and no grouping.
func (m Money) String() string {
	v := m.OrZero().Minor
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + leftPad2(v%100)
}

func leftPad2(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}

// Format renders the amount for display in the given locale, always with two
// decimals.
func (m Money) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	return p.Sprint(number.Decimal(float64(m.OrZero().Minor)/100, number.Scale(2)))
}

func (m Money) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON accepts a decimal string, a number or null. Anything that
// does not parse leaves the amount invalid rather than failing the decode.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*m = Money{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		if v, ok := ParseMoney(s); ok {
			*m = v
		}
		return nil
	}
	if v, ok := ParseMoney(string(b)); ok {
		*m = v
	}
	return nil
}
