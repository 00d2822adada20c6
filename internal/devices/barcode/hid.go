// Package barcode reads a USB HID barcode scanner and publishes each
// scanned line.
package barcode

import "errors"

// ReportSize is the length of one HID keyboard report
const ReportSize = 8

var ErrShortReport = errors.New("invalid data length (needs 8 bytes)")

const (
	leftShift  = 0x02
	rightShift = 0x20
)

// usage maps HID keyboard usage IDs to unshifted and shifted characters
var usage = map[byte][2]string{
	0:   {"", ""},
	4:   {"a", "A"},
	5:   {"b", "B"},
	6:   {"c", "C"},
	7:   {"d", "D"},
	8:   {"e", "E"},
	9:   {"f", "F"},
	10:  {"g", "G"},
	11:  {"h", "H"},
	12:  {"i", "I"},
	13:  {"j", "J"},
	14:  {"k", "K"},
	15:  {"l", "L"},
	16:  {"m", "M"},
	17:  {"n", "N"},
	18:  {"o", "O"},
	19:  {"p", "P"},
	20:  {"q", "Q"},
	21:  {"r", "R"},
	22:  {"s", "S"},
	23:  {"t", "T"},
	24:  {"u", "U"},
	25:  {"v", "V"},
	26:  {"w", "W"},
	27:  {"x", "X"},
	28:  {"y", "Y"},
	29:  {"z", "Z"},
	30:  {"1", "!"},
	31:  {"2", "@"},
	32:  {"3", "#"},
	33:  {"4", "$"},
	34:  {"5", "%"},
	35:  {"6", "^"},
	36:  {"7", "&"},
	37:  {"8", "*"},
	38:  {"9", "("},
	39:  {"0", ")"},
	40:  {"\n", "\n"},
	41:  {"\x1b", "\x1b"},
	42:  {"\b", "\b"},
	43:  {"\t", "\t"},
	44:  {" ", " "},
	45:  {"_", "_"},
	46:  {"=", "+"},
	47:  {"[", "{"},
	48:  {"]", "}"},
	49:  {"\\", "|"},
	50:  {"#", "~"},
	51:  {";", ":"},
	52:  {"'", "\""},
	53:  {"`", "~"},
	54:  {",", "<"},
	55:  {".", ">"},
	56:  {"/", "?"},
	100: {"\\", "|"},
	103: {"=", "="},
}

// Decode converts one report to its character. Reports longer than
// ReportSize are truncated. ok is false for key codes outside the table.
func Decode(report []byte) (ch string, ok bool, err error) {
	if len(report) > ReportSize {
		report = report[:ReportSize]
	}
	if len(report) != ReportSize {
		return "", false, ErrShortReport
	}
	chars, ok := usage[report[2]]
	if !ok {
		return "", false, nil
	}
	if report[0] == leftShift || report[0] == rightShift {
		return chars[1], true, nil
	}
	return chars[0], true, nil
}
