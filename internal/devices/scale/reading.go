// Package scale polls a CAS PD-II weight scale over a serial line.
package scale

import (
	"bytes"
	"errors"
	"fmt"
)

var ErrNoStatus = errors.New("no status terminator in scale response")

var (
	statusEnd = []byte{0x0d, 0x03}
	weightEnd = []byte{0x0d, 0x0a}
)

const (
	statusLen   = 2
	weightLen   = 8
	unitLen     = 2
	periodIndex = 3
)

var statusText = map[string]string{
	"00": "OK",
	"10": "Motion",
	"20": "Scale at Zero",
	"01": "Under Capacity",
	"02": "Over Capacity",
}

// Reading is one decoded scale response
type Reading struct {
	Status string
	Value  string
	Unit   string
}

// Weight is "<value> <unit>"
func (r Reading) Weight() string {
	return r.Value + " " + r.Unit
}

func (r Reading) String() string {
	if r.Status == "OK" || r.Status == "Motion" {
		return fmt.Sprintf("Status: %s, %s", r.Status, r.Weight())
	}
	return "Status: " + r.Status
}

// Parse decodes a raw response. The weight is only read when the period
// sits at its expected offset; otherwise Value and Unit stay empty.
func Parse(raw []byte) (Reading, error) {
	si := bytes.Index(raw, statusEnd)
	if si < 0 {
		return Reading{}, ErrNoStatus
	}

	var r Reading
	r.Status = "N/A"
	if si >= statusLen {
		if s, ok := statusText[string(raw[si-statusLen:si])]; ok {
			r.Status = s
		}
	}

	wi := bytes.Index(raw, weightEnd)
	if wi >= weightLen && bytes.IndexByte(raw, '.') == periodIndex {
		w := raw[wi-weightLen : wi]
		r.Value = string(w[:weightLen-unitLen])
		r.Unit = string(w[weightLen-unitLen:])
	}
	return r, nil
}

// wellFormed reports whether raw starts with LF and an ASCII digit and is not overlong
func wellFormed(raw []byte) bool {
	return len(raw) >= 2 && len(raw) <= 15 && raw[0] == 0x0a && raw[1]>>4 == 3
}
