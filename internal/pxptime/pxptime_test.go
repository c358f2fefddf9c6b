package pxptime

import "testing"

func TestGetMinutes(t *testing.T) {
	cases := map[string]uint{
		"0d":   0,
		"2d":   2880,
		"100h": 6000,
		"16m":  16,
	}
	for in, want := range cases {
		got, err := GetMinutes(in)
		if err != nil {
			t.Fatalf("GetMinutes(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("GetMinutes(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestGetMinutesInvalidSuffix(t *testing.T) {
	if _, err := GetMinutes("5x"); err == nil {
		t.Fatal("expected error for invalid suffix")
	}
}

func TestConvertToISO(t *testing.T) {
	got, err := ConvertToISO("2016-02-18T19:40:49.711227Z")
	if err != nil {
		t.Fatalf("ConvertToISO: %v", err)
	}
	want := "20160218T194049.711227"
	if got != want {
		t.Errorf("ConvertToISO = %q, want %q", got, want)
	}
}

func TestConvertToISOMissingZ(t *testing.T) {
	if _, err := ConvertToISO("2016-02-18T19:40:49.711227"); err == nil {
		t.Fatal("expected error for missing trailing Z")
	}
}

func TestConvertToISOTooShort(t *testing.T) {
	if _, err := ConvertToISO("2016-02-18Z"); err == nil {
		t.Fatal("expected error for too-short string")
	}
}

func TestIsNewerThanAntisymmetric(t *testing.T) {
	a, err := New("1m")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("2m")
	if err != nil {
		t.Fatal(err)
	}
	// a is newer (closer to now) than b.
	aISO := isoString(t, a.TimePoint)
	bISO := isoString(t, b.TimePoint)

	aNewer, err := a.IsNewerThan(bISO)
	if err != nil {
		t.Fatal(err)
	}
	bNewer, err := b.IsNewerThan(aISO)
	if err != nil {
		t.Fatal(err)
	}
	if aNewer == bNewer {
		t.Errorf("expected exactly one of a.IsNewerThan(b), b.IsNewerThan(a); got %v, %v", aNewer, bNewer)
	}
	if !aNewer {
		t.Errorf("expected a to be newer than b")
	}
}

func isoString(t *testing.T, tm interface{ Format(string) string }) string {
	t.Helper()
	return tm.Format("2006-01-02T15:04:05.000000") + "Z"
}
