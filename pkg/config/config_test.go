package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSymlinkPrefixDefault(t *testing.T) {
	got, err := ResolveSymlinkPrefix(filepath.Join(t.TempDir(), "missing"))
	if err != nil || got != DefaultSymlinkPrefix {
		t.Fatalf("ResolveSymlinkPrefix(missing) = %q, %v, want %q, nil", got, err, DefaultSymlinkPrefix)
	}
}

func TestResolveSymlinkPrefixOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symlink-prefix")
	if err := os.WriteFile(path, []byte("/dev/CUSTOM-\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveSymlinkPrefix(path)
	if err != nil || got != "/dev/CUSTOM-" {
		t.Fatalf("ResolveSymlinkPrefix(override) = %q, %v, want /dev/CUSTOM-, nil", got, err)
	}
}

func TestParseLinkConfigDefaultBaud(t *testing.T) {
	lc, err := ParseLinkConfig("1", map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if lc.Baud != 9600 || lc.Device != "/dev/C0-1" {
		t.Fatalf("ParseLinkConfig default = %+v, want baud 9600, device /dev/C0-1", lc)
	}
}

func TestParseLinkConfigExplicitBaud(t *testing.T) {
	lc, err := ParseLinkConfig("7", map[string]string{"baud_rate": "115200"})
	if err != nil || lc.Baud != 115200 {
		t.Fatalf("ParseLinkConfig explicit baud = %+v, %v", lc, err)
	}
}

func TestParseLinkConfigInvalidBaud(t *testing.T) {
	if _, err := ParseLinkConfig("1", map[string]string{"baud_rate": "fast"}); err == nil {
		t.Fatal("ParseLinkConfig with invalid baud_rate: want error, got nil")
	}
}

func TestFeatureEnabled(t *testing.T) {
	cases := []struct {
		fields map[string]string
		want   bool
	}{
		{map[string]string{"enabled": "yes"}, true},
		{map[string]string{"enabled": "no"}, false},
		{map[string]string{}, false},
	}
	for _, c := range cases {
		if got := FeatureEnabled(c.fields); got != c.want {
			t.Fatalf("FeatureEnabled(%+v) = %v, want %v", c.fields, got, c.want)
		}
	}
}

func TestFindConsoleParamWithBaud(t *testing.T) {
	params := ParseCmdline("root=/dev/sda1 console=ttyS0,115200 quiet")
	cp, err := FindConsoleParam(params)
	if err != nil || cp.TTYName != "ttyS0" || cp.Baud != 115200 {
		t.Fatalf("FindConsoleParam = %+v, %v", cp, err)
	}
}

func TestFindConsoleParamDefaultBaud(t *testing.T) {
	params := ParseCmdline("console=ttyAMA0")
	cp, err := FindConsoleParam(params)
	if err != nil || cp.TTYName != "ttyAMA0" || cp.Baud != 9600 {
		t.Fatalf("FindConsoleParam default baud = %+v, %v", cp, err)
	}
}

func TestFindConsoleParamLastWins(t *testing.T) {
	params := ParseCmdline("console=ttyS0,9600 console=ttyS1,38400")
	cp, err := FindConsoleParam(params)
	if err != nil || cp.TTYName != "ttyS1" || cp.Baud != 38400 {
		t.Fatalf("FindConsoleParam last-wins = %+v, %v", cp, err)
	}
}

func TestFindConsoleParamAbsent(t *testing.T) {
	params := ParseCmdline("root=/dev/sda1 quiet")
	if _, err := FindConsoleParam(params); err != ErrNoConsoleParam {
		t.Fatalf("FindConsoleParam(absent) = %v, want ErrNoConsoleParam", err)
	}
}
