package tarpax

import (
	"bytes"
	"strconv"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// MakeRecord renders a PAX extended record in the grammar
// "LENGTH SP KEY=VALUE LF", where LENGTH is the decimal byte count of the
// whole record including LENGTH's own digits. LENGTH's digit count is
// found via the self-referential fixpoint: iterate recomputing the digit
// count until it stabilizes (spec.md §3, "PAX record").
func MakeRecord(key, value string) string {
	// "=" + value + "\n"
	suffix := "=" + value + "\n"
	// SP + key + suffix; LENGTH's own digits are added below.
	overhead := 1 + len(key) + len(suffix)

	digits := len(strconv.Itoa(overhead))
	for {
		total := digits + overhead
		newDigits := len(strconv.Itoa(total))
		if newDigits == digits {
			return strconv.Itoa(total) + " " + key + suffix
		}
		digits = newDigits
	}
}

// ParseRecords decodes the concatenated PAX records in data into a
// key/value map. Each record's declared length is trusted to delimit it;
// a length that disagrees with the actual "LEN SP" framing, or a record
// missing its trailing LF, is a parse error.
func ParseRecords(data []byte) (map[string]string, error) {
	records := make(map[string]string)
	for len(data) > 0 {
		sp := indexByte(data, ' ')
		if sp < 0 {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPAX, cerrors.ErrParse, "parse pax record: missing length separator")
		}
		length, err := strconv.Atoi(string(data[:sp]))
		if err != nil || length <= sp {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPAX, cerrors.ErrParse, "parse pax record: bad length")
		}
		if length > len(data) {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPAX, cerrors.ErrParse, "parse pax record: length exceeds remaining data")
		}
		record := data[:length]
		if record[length-1] != '\n' {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPAX, cerrors.ErrParse, "parse pax record: missing trailing newline")
		}
		body := record[sp+1 : length-1]
		eq := indexByte(body, '=')
		if eq < 0 {
			return nil, cerrors.Wrap(cerrors.ErrInvalidPAX, cerrors.ErrParse, "parse pax record: missing '='")
		}
		key := string(body[:eq])
		value := string(body[eq+1:])
		records[key] = value
		data = data[length:]
	}
	return records, nil
}

func indexByte(b []byte, c byte) int {
	return bytes.IndexByte(b, c)
}

// PAX field keys used by this codec. Only the overflow-prone fields need
// PAX overrides; the rest is always representable in the ustar header.
const (
	paxPath     = "path"
	paxLinkpath = "linkpath"
	paxSize     = "size"
	paxUID      = "uid"
	paxGID      = "gid"
)
