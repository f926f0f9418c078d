package store

import "testing"

func TestParseBaudDefault(t *testing.T) {
	got, err := ParseBaud("")
	if err != nil || got != 9600 {
		t.Fatalf("ParseBaud(\"\") = %d, %v, want 9600, nil", got, err)
	}
}

func TestParseBaudExplicit(t *testing.T) {
	got, err := ParseBaud("115200")
	if err != nil || got != 115200 {
		t.Fatalf("ParseBaud(115200) = %d, %v, want 115200, nil", got, err)
	}
}

func TestParseBaudInvalid(t *testing.T) {
	if _, err := ParseBaud("not-a-number"); err == nil {
		t.Fatal("ParseBaud(garbage): want error, got nil")
	}
}

func TestFakeHashRoundTrip(t *testing.T) {
	f := NewFake()

	if _, ok, err := f.HGet("CONSOLE_PORT", "1", "baud_rate"); err != nil || ok {
		t.Fatalf("HGet on empty store: ok=%v err=%v, want ok=false", ok, err)
	}

	if err := f.HSet("CONSOLE_PORT", "1", map[string]string{"baud_rate": "9600"}); err != nil {
		t.Fatal(err)
	}

	val, ok, err := f.HGet("CONSOLE_PORT", "1", "baud_rate")
	if err != nil || !ok || val != "9600" {
		t.Fatalf("HGet after HSet = %q, %v, %v, want 9600, true, nil", val, ok, err)
	}

	all, err := f.HGetAll("CONSOLE_PORT", "1")
	if err != nil || all["baud_rate"] != "9600" {
		t.Fatalf("HGetAll = %+v, %v", all, err)
	}

	if err := f.HDel("CONSOLE_PORT", "1", "baud_rate"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.HGet("CONSOLE_PORT", "1", "baud_rate"); ok {
		t.Fatal("field should be gone after HDel")
	}
}

func TestFakeHSetPreservesOtherFields(t *testing.T) {
	f := NewFake()
	f.HSet("CONSOLE_PORT", "1", map[string]string{"baud_rate": "9600", "note": "external-tool-owned"})
	f.HSet("CONSOLE_PORT", "1", map[string]string{"oper_state": "up"})
	f.HDel("CONSOLE_PORT", "1", "oper_state")

	all, _ := f.HGetAll("CONSOLE_PORT", "1")
	if all["baud_rate"] != "9600" || all["note"] != "external-tool-owned" {
		t.Fatalf("unrelated fields not preserved: %+v", all)
	}
	if _, ok := all["oper_state"]; ok {
		t.Fatalf("oper_state should have been deleted: %+v", all)
	}
}

func TestFakeKeys(t *testing.T) {
	f := NewFake()
	f.HSet("CONSOLE_PORT", "1", map[string]string{"baud_rate": "9600"})
	f.HSet("CONSOLE_PORT", "2", map[string]string{"baud_rate": "9600"})
	f.HSet("CONSOLE_SWITCH", "console_mgmt", map[string]string{"enabled": "yes"})

	keys, err := f.Keys("CONSOLE_PORT|*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys(CONSOLE_PORT|*) = %v, want 2 entries", keys)
	}
}
