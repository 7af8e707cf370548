package flash

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Intel HEX record types.
const (
	recData             = 0x00
	recEOF              = 0x01
	recExtSegmentAddr   = 0x02
	recStartSegmentAddr = 0x03
	recExtLinearAddr    = 0x04
	recStartLinearAddr  = 0x05
)

// HexInfo summarises a validated image.
type HexInfo struct {
	Records   int
	DataBytes int
}

// ValidateHex checks that path holds a well-formed Intel HEX image: every
// record parses, checksums match, record lengths fit their type, there is
// at least one data record and the file ends with an EOF record.
func ValidateHex(fs afero.Fs, path string) (HexInfo, error) {
	var info HexInfo
	f, err := fs.Open(path)
	if err != nil {
		return info, fmt.Errorf("%w: image %s: %v", ErrValidation, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024), 64*1024)
	lineNo := 0
	sawEOF := false
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if sawEOF {
			return info, fmt.Errorf("%w: image %s line %d: data after EOF record", ErrValidation, path, lineNo)
		}
		typ, n, err := parseRecord(line)
		if err != nil {
			return info, fmt.Errorf("%w: image %s line %d: %v", ErrValidation, path, lineNo, err)
		}
		info.Records++
		switch typ {
		case recData:
			info.DataBytes += n
		case recEOF:
			sawEOF = true
		}
	}
	if err := sc.Err(); err != nil {
		return info, fmt.Errorf("%w: image %s: %v", ErrValidation, path, err)
	}
	if info.Records == 0 {
		return info, fmt.Errorf("%w: image %s is empty", ErrValidation, path)
	}
	if info.DataBytes == 0 {
		return info, fmt.Errorf("%w: image %s has no data records", ErrValidation, path)
	}
	if !sawEOF {
		return info, fmt.Errorf("%w: image %s has no EOF record", ErrValidation, path)
	}
	return info, nil
}

// parseRecord returns the record type and data length of one ":LLAAAATT...CC" line.
func parseRecord(line string) (byte, int, error) {
	if line[0] != ':' {
		return 0, 0, fmt.Errorf("missing start code")
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad hex digits")
	}
	if len(raw) < 5 {
		return 0, 0, fmt.Errorf("record too short")
	}
	n := int(raw[0])
	if len(raw) != n+5 {
		return 0, 0, fmt.Errorf("length %d does not match record size", n)
	}
	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return 0, 0, fmt.Errorf("checksum mismatch")
	}
	typ := raw[3]
	want := -1
	switch typ {
	case recData:
	case recEOF:
		want = 0
	case recExtSegmentAddr, recExtLinearAddr:
		want = 2
	case recStartSegmentAddr, recStartLinearAddr:
		want = 4
	default:
		return 0, 0, fmt.Errorf("unknown record type %02x", typ)
	}
	if want >= 0 && n != want {
		return 0, 0, fmt.Errorf("record type %02x must carry %d bytes, has %d", typ, want, n)
	}
	return typ, n, nil
}
