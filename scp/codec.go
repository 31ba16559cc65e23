package scp

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	maxMode   = 07777
	maxMicros = 999999
)

// Record is one parsed control line.
type Record interface {
	// AppendLine appends the newline-terminated wire form of the record.
	AppendLine(b []byte) []byte
}

// FileRecord announces a file: "C<mode> <size> <name>".
type FileRecord struct {
	Mode os.FileMode
	Size int64
	Name string
}

// DirRecord announces a directory: "D<mode> <size> <name>".
type DirRecord struct {
	Mode os.FileMode
	Size int64
	Name string
}

// TimeRecord carries the times of the next C or D record:
// "T<mtime> <mtime-us> <atime> <atime-us>".
type TimeRecord struct {
	Mtime       int64
	MtimeMicros int64
	Atime       int64
	AtimeMicros int64
}

// EndRecord closes the current directory: "E".
type EndRecord struct{}

func (r FileRecord) AppendLine(b []byte) []byte { return appendHeader(b, 'C', r.Mode, r.Size, r.Name) }

func (r DirRecord) AppendLine(b []byte) []byte { return appendHeader(b, 'D', r.Mode, r.Size, r.Name) }

func (r TimeRecord) AppendLine(b []byte) []byte {
	b = append(b, 'T')
	b = strconv.AppendInt(b, r.Mtime, 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, r.MtimeMicros, 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, r.Atime, 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, r.AtimeMicros, 10)
	return append(b, '\n')
}

func (EndRecord) AppendLine(b []byte) []byte { return append(b, 'E', '\n') }

func appendHeader(b []byte, kind byte, mode os.FileMode, size int64, name string) []byte {
	b = append(b, kind)
	m := unixMode(mode)
	for i := len(m); i < 4; i++ {
		b = append(b, '0')
	}
	b = append(b, m...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, size, 10)
	b = append(b, ' ')
	b = append(b, name...)
	return append(b, '\n')
}

// FormatLine returns the wire form of r.
func FormatLine(r Record) []byte { return r.AppendLine(nil) }

// ModTime returns the modification time with microsecond precision.
func (r TimeRecord) ModTime() time.Time { return time.Unix(r.Mtime, r.MtimeMicros*1000) }

// AccessTime returns the access time with microsecond precision.
func (r TimeRecord) AccessTime() time.Time { return time.Unix(r.Atime, r.AtimeMicros*1000) }

// TimesOf builds a TimeRecord, truncating sub-second parts to microseconds.
func TimesOf(mtime, atime time.Time) TimeRecord {
	return TimeRecord{
		Mtime:       mtime.Unix(),
		MtimeMicros: int64(mtime.Nanosecond() / 1000),
		Atime:       atime.Unix(),
		AtimeMicros: int64(atime.Nanosecond() / 1000),
	}
}

// ParseLine parses one control line. The trailing newline and any trailing
// whitespace are ignored.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" {
		return nil, protocolErrorf("parse", "empty control line")
	}
	switch line[0] {
	case 'E':
		if line != "E" {
			return nil, protocolErrorf("parse", "unexpected line %q", line)
		}
		return EndRecord{}, nil
	case 'T':
		return parseTimes(line)
	case 'C', 'D':
		mode, size, name, err := parseHeader(line)
		if err != nil {
			return nil, err
		}
		if line[0] == 'C' {
			return FileRecord{Mode: mode, Size: size, Name: name}, nil
		}
		return DirRecord{Mode: mode, Size: size, Name: name}, nil
	default:
		return nil, protocolErrorf("parse", "unexpected line %q", line)
	}
}

func parseTimes(line string) (Record, error) {
	fields := strings.Split(line[1:], " ")
	if len(fields) != 4 {
		return nil, protocolErrorf("parse", "malformed time record %q", line)
	}
	var v [4]int64
	for i, f := range fields {
		n, err := parseDecimal(f)
		if err != nil {
			return nil, protocolErrorf("parse", "malformed time record %q", line)
		}
		v[i] = n
	}
	if v[1] > maxMicros || v[3] > maxMicros {
		return nil, protocolErrorf("parse", "time out of range: %q", line)
	}
	return TimeRecord{Mtime: v[0], MtimeMicros: v[1], Atime: v[2], AtimeMicros: v[3]}, nil
}

func parseHeader(line string) (os.FileMode, int64, string, error) {
	fields := strings.SplitN(line[1:], " ", 3)
	if len(fields) != 3 {
		return 0, 0, "", protocolErrorf("parse", "malformed header %q", line)
	}
	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil || fields[0] == "" || mode > maxMode {
		return 0, 0, "", protocolErrorf("parse", "bad mode in %q", line)
	}
	size, err := parseDecimal(fields[1])
	if err != nil {
		return 0, 0, "", protocolErrorf("parse", "bad size in %q", line)
	}
	name := fields[2]
	if name == "" {
		return 0, 0, "", protocolErrorf("parse", "missing name in %q", line)
	}
	if strings.Contains(name, "/") {
		return 0, 0, "", pathViolation(name, "name contains a path separator")
	}
	return fileMode(uint32(mode)), size, name, nil
}

// parseDecimal accepts only plain non-negative decimal digits.
func parseDecimal(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

// fileMode maps unix permission bits, including setuid/setgid/sticky, to an
// os.FileMode.
func fileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	if m&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if m&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if m&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// unixMode is the inverse of fileMode, formatted in octal.
func unixMode(mode os.FileMode) string {
	m := uint64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= 04000
	}
	if mode&os.ModeSetgid != 0 {
		m |= 02000
	}
	if mode&os.ModeSticky != 0 {
		m |= 01000
	}
	return strconv.FormatUint(m, 8)
}

// Quote quotes s as a single POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PullCommand is the remote command that makes the peer act as source.
func PullCommand(remotePath string, recursive bool) string {
	cmd := "scp -f -p"
	if recursive {
		cmd += " -r"
	}
	return cmd + " " + Quote(remotePath)
}

// PushCommand is the remote command that makes the peer act as sink.
func PushCommand(remotePath string, recursive bool) string {
	cmd := "scp -t"
	if recursive {
		cmd += " -r"
	}
	return cmd + " " + Quote(remotePath)
}
