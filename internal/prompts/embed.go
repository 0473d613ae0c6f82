// Package prompts provides the embedded default voicemail greeting.
// It is a G.711 u-law WAV file (8kHz, mono, 8-bit) the media server can
// play without transcoding.
//
// The embedded greeting is extracted to the data directory on first boot
// so the media player can reach it through a file URI. Operators replace
// it by pointing the voicemail greeting setting at their own media.
package prompts

import "embed"

// SystemFS holds the default prompt media embedded in the binary.
//
//go:embed system/*.wav
var SystemFS embed.FS

// DefaultGreeting is the filename of the built-in voicemail greeting,
// a silence-filled placeholder in the correct playback format.
const DefaultGreeting = "default_greeting.wav"
