package sfv

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	in := strings.Join([]string{
		"; generated by tool",
		"",
		"short",
		"movie.rar 0A1B2C3D",
		"  movie.r00    ffffffff  ",
		"name with spaces.r01 00000001",
		"broken.r02 XYZ12345",
	}, "\r\n")
	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Entry{
		{Name: "movie.rar", CRC: 0x0A1B2C3D},
		{Name: "movie.r00", CRC: 0xFFFFFFFF},
		{Name: "name with spaces.r01", CRC: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse = %+v, want %+v", got, want)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.sfv")
	if err := os.WriteFile(path, []byte("a.rar 00000010\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil || len(got) != 1 || got[0].CRC != 0x10 {
		t.Fatalf("ReadFile = %+v, %v", got, err)
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.sfv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWriteParses(t *testing.T) {
	entries := []Entry{{Name: "movie.rar", CRC: 0xDEADBEEF}, {Name: "movie.r00", CRC: 7}}
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), "movie.r00 00000007\r\n") {
		t.Fatalf("unexpected output %q", buf.String())
	}
	got, err := Parse(&buf)
	if err != nil || !reflect.DeepEqual(got, entries) {
		t.Fatalf("Parse(Write) = %+v, %v", got, err)
	}
}
