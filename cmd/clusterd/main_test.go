package main

import "testing"

func TestParseFlags_Defaults(t *testing.T) {
	f := parseFlags(nil)
	if f.foreground || f.showVer || f.help {
		t.Fatalf("unexpected defaults: %+v", f)
	}
	if f.role != "" {
		t.Fatalf("role default = %q, want empty", f.role)
	}
	if f.debug != 0 {
		t.Fatalf("debug default = %d, want 0", f.debug)
	}
}

func TestParseFlags_RepeatedDebug(t *testing.T) {
	f := parseFlags([]string{"-d", "-d", "-d", "-t", "manager"})
	if f.debug != 3 {
		t.Fatalf("debug = %d, want 3", f.debug)
	}
	if f.role != "manager" {
		t.Fatalf("role = %q, want manager", f.role)
	}
}

func TestParseFlags_VersionAndHelp(t *testing.T) {
	f := parseFlags([]string{"-V"})
	if !f.showVer {
		t.Fatal("showVer should be true")
	}

	f = parseFlags([]string{"-h"})
	if !f.help {
		t.Fatal("help should be true")
	}
}

func TestParseFlags_Foreground(t *testing.T) {
	f := parseFlags([]string{"-f"})
	if !f.foreground {
		t.Fatal("foreground should be true")
	}
}
