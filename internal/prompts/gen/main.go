// Command gen creates the default voicemail greeting as a G.711 u-law WAV
// file. It is a silence-filled placeholder in the correct format for media
// server playback. Replace with a real voice recording for production use.
//
// Usage: go run ./internal/prompts/gen
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	filename   = "default_greeting.wav"
	durationMs = 3000
)

func main() {
	dir := filepath.Join("internal", "prompts", "system")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	path := filepath.Join(dir, filename)
	if err := writeUlawWAV(path, durationMs); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", filename, err)
		os.Exit(1)
	}
	fi, _ := os.Stat(path)
	fmt.Printf("created %s (%d bytes, %dms silence)\n", path, fi.Size(), durationMs)
}

// writeUlawWAV creates a WAV file containing G.711 u-law silence.
// G.711 u-law silence byte is 0xFF. Format: 8kHz, mono, 8-bit.
func writeUlawWAV(path string, durationMs int) error {
	dataSize := uint32(8000 * durationMs / 1000)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// RIFF header
	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(36+dataSize))
	f.Write([]byte("WAVE"))

	// fmt chunk
	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))   // chunk size
	binary.Write(f, binary.LittleEndian, uint16(7))    // audio format: 7 = u-law
	binary.Write(f, binary.LittleEndian, uint16(1))    // channels: mono
	binary.Write(f, binary.LittleEndian, uint32(8000)) // sample rate
	binary.Write(f, binary.LittleEndian, uint32(8000)) // byte rate
	binary.Write(f, binary.LittleEndian, uint16(1))    // block align
	binary.Write(f, binary.LittleEndian, uint16(8))    // bits per sample

	// data chunk
	f.Write([]byte("data"))
	binary.Write(f, binary.LittleEndian, dataSize)

	silence := make([]byte, dataSize)
	for i := range silence {
		silence[i] = 0xFF
	}
	_, err = f.Write(silence)
	return err
}
