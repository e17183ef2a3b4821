package util

import "testing"

func TestIsScanCode(t *testing.T) {
	cases := []struct {
		name string
		code string
		want bool
	}{
		{name: "cage id", code: "CAGE001", want: true},
		{name: "digits only", code: "123", want: true},
		{name: "too short", code: "AB", want: false},
		{name: "empty", code: "", want: false},
		{name: "lower case", code: "cage001", want: false},
		{name: "dash", code: "CAGE-001", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsScanCode(tc.code, 3); got != tc.want {
				t.Fatalf("IsScanCode(%q)=%v want %v", tc.code, got, tc.want)
			}
		})
	}
}

func TestNormalizeScan(t *testing.T) {
	if got := NormalizeScan("  cage001\t"); got != "CAGE001" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("cage-001 "); got != "CAGE001" {
		t.Fatalf("got %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("CAGE001, CAGE002; (CAGE003)  |  x")
	want := []string{"CAGE001", "CAGE002", "CAGE003", "x"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := SanitizeFileName("Acme Carrier: North/East"); got != "Acme_Carrier__North_East" {
		t.Fatalf("got %q", got)
	}
}
