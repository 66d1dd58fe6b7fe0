package kdclog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	l := New(buf)
	l.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l
}

func TestVerbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		want      []string
		skip      []string
	}{
		{0, []string{"ERROR: e"}, []string{"info", "debug", "trace"}},
		{1, []string{"ERROR: e", "info"}, []string{"debug", "trace"}},
		{2, []string{"ERROR: e", "info", "debug"}, []string{"trace"}},
		{3, []string{"ERROR: e", "info", "debug", "trace"}, nil},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		l := newTestLogger(&buf)
		l.SetVerbosity(tt.verbosity)
		l.Errorf(AreaGeneral, "e")
		l.Printf(AreaGeneral, "info")
		l.Debugf(AreaGeneral, "debug")
		l.Tracef(AreaGeneral, "trace")
		out := buf.String()
		for _, w := range tt.want {
			if !strings.Contains(out, w) {
				t.Errorf("verbosity %d: missing %q in %q", tt.verbosity, w, out)
			}
		}
		for _, s := range tt.skip {
			if strings.Contains(out, s) {
				t.Errorf("verbosity %d: unexpected %q in %q", tt.verbosity, s, out)
			}
		}
	}
}

func TestAreas(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.EnableArea(AreaFAST)
	l.Printf(AreaFAST, "armored")
	l.Printf(AreaPreauth, "enc-ts")
	out := buf.String()
	if !strings.Contains(out, "armored") {
		t.Errorf("enabled area not logged: %q", out)
	}
	if strings.Contains(out, "enc-ts") {
		t.Errorf("disabled area logged: %q", out)
	}
	if !strings.HasPrefix(out, "2024/01/02 03:04:05 ") {
		t.Errorf("unexpected timestamp prefix: %q", out)
	}

	l.DisableArea(AreaFAST)
	buf.Reset()
	l.Printf(AreaFAST, "armored")
	if buf.Len() != 0 {
		t.Errorf("area still logged after disable: %q", buf.String())
	}
}

func TestNilOutput(t *testing.T) {
	l := New(nil)
	if l.Enabled(AreaGeneral, 0) {
		t.Fatal("logger with nil output reports enabled")
	}
	l.Printf(AreaGeneral, "nothing")

	var nl *Logger
	nl.Printf(AreaGeneral, "nil logger")
	if nl.Verbosity() != 0 {
		t.Fatal("nil logger verbosity")
	}
}

func TestParseArea(t *testing.T) {
	for a, name := range areaNames {
		got, err := ParseArea(strings.ToUpper(name))
		if err != nil {
			t.Fatalf("ParseArea(%q): %v", name, err)
		}
		if got != a {
			t.Errorf("ParseArea(%q) = %v, want %v", name, got, a)
		}
	}
	if _, err := ParseArea("smb"); err == nil {
		t.Error("expected error for unknown area")
	}
}
