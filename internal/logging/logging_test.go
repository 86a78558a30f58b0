package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tcs := []struct {
		name   string
		level  string
		format string
		output string
		eLevel logrus.Level
		eOut   io.Writer
		eErr   bool
	}{
		{name: "defaults", eLevel: logrus.InfoLevel, eOut: os.Stderr},
		{name: "debug json stdout", level: "debug", format: "json", output: "stdout", eLevel: logrus.DebugLevel, eOut: os.Stdout},
		{name: "warning alias", level: "warning", format: "TEXT", output: "discard", eLevel: logrus.WarnLevel, eOut: io.Discard},
		{name: "bad level", level: "loud", eErr: true},
		{name: "bad format", format: "xml", eErr: true},
		{name: "bad output", output: "/dev/null", eErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(tc.level, tc.format, tc.output)
			if tc.eErr {
				if err == nil {
					t.Errorf("expected error: got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.GetLevel() != tc.eLevel {
				t.Errorf("level == %v, want %v", l.GetLevel(), tc.eLevel)
			}
			if l.Out != tc.eOut {
				t.Errorf("unexpected output writer %v", l.Out)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	l, err := New("info", "json", "discard")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("qber", 12.5).Info("run complete")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	if entry["message"] != "run complete" || entry["qber"] != 12.5 {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("entry has no timestamp: %v", entry)
	}
	if strings.Contains(buf.String(), `"msg"`) {
		t.Errorf("message key not renamed: %s", buf.String())
	}
}
