package device

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestParseDeviceList_ExtractsQuotedLabels(t *testing.T) {
	input := `ALSA devices:
[0] "USB Audio Device"
[1] "Built-in Microphone"

  ignored line without markers
`
	got := ParseDeviceList(input)
	want := []Entry{{Label: "USB Audio Device"}, {Label: "Built-in Microphone"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseDeviceList() = %+v, want %+v", got, want)
	}
}

func TestParseDeviceList_BracketedIndexWithoutQuotes(t *testing.T) {
	input := "[0] hw:0,0\n[2] hw:2,0\n"
	got := ParseDeviceList(input)
	want := []Entry{{Label: "hw:0,0"}, {Label: "hw:2,0"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseDeviceList() = %+v, want %+v", got, want)
	}
}

func TestParseDeviceList_IgnoresHeadersAndBlankLines(t *testing.T) {
	input := "Capture devices:\n\n   \nDone.\n"
	got := ParseDeviceList(input)
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}

func TestProbe_CachesPerPlatformAndFormat(t *testing.T) {
	p := NewProber("sh", []string{"-c", `echo '[0] "device-a"'`})

	first, err := p.Probe(context.Background(), "alsa")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(first) != 1 || first[0].Label != "device-a" {
		t.Fatalf("Probe() = %+v", first)
	}

	// Change the underlying command; the cached result must still be
	// returned for the same (platform, format) key.
	p.binary = "sh"
	p.args = []string{"-c", `echo '[0] "device-b"'`}

	second, err := p.Probe(context.Background(), "alsa")
	if err != nil {
		t.Fatalf("Probe (cached): %v", err)
	}
	if len(second) != 1 || second[0].Label != "device-a" {
		t.Fatalf("expected cached result device-a, got %+v", second)
	}
}

func TestProbe_TimeoutSurfacesDeadlineExceeded(t *testing.T) {
	p := NewProber("sh", []string{"-c", "sleep 5"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Probe(ctx, "alsa")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestProbe_NonZeroExitStillReturnsParsedOutput(t *testing.T) {
	p := NewProber("sh", []string{"-c", `echo '[0] "device-a"'; exit 1`})
	entries, err := p.Probe(context.Background(), "v4l2")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(entries) != 1 || entries[0].Label != "device-a" {
		t.Fatalf("Probe() = %+v", entries)
	}
}
