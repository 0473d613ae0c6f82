package prompts

import (
	"io/fs"
	"testing"
)

func TestEmbeddedGreetingPresent(t *testing.T) {
	f, err := SystemFS.Open("system/" + DefaultGreeting)
	if err != nil {
		t.Fatalf("SystemFS.Open: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("embedded greeting is empty")
	}
}

func TestEmbeddedGreetingWAVHeader(t *testing.T) {
	data, err := fs.ReadFile(SystemFS, "system/"+DefaultGreeting)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if len(data) < 44 {
		t.Fatalf("too small for WAV header: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		t.Errorf("expected RIFF, got %q", string(data[0:4]))
	}
	if string(data[8:12]) != "WAVE" {
		t.Errorf("expected WAVE, got %q", string(data[8:12]))
	}
	if string(data[12:16]) != "fmt " {
		t.Fatalf("expected fmt chunk at offset 12, got %q", string(data[12:16]))
	}

	// Audio format 7 is G.711 u-law.
	audioFormat := uint16(data[20]) | uint16(data[21])<<8
	if audioFormat != 7 {
		t.Errorf("expected format 7 (u-law), got %d", audioFormat)
	}
}
