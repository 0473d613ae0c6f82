package sip

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidDTMF means a SIP INFO body could not be parsed as a DTMF event.
var ErrInvalidDTMF = errors.New("invalid dtmf info")

var validDTMFSignals = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true, "A": true, "B": true, "C": true, "D": true,
}

// DTMFInfo is one keypad event carried in a SIP INFO request.
type DTMFInfo struct {
	// Signal is the digit: 0-9, *, # or A-D.
	Signal string
	// Duration is the key press duration in milliseconds, 0 if absent.
	Duration int
}

// parseSIPInfoDTMF detects and parses DTMF from a SIP INFO body based on
// the Content-Type. Supported types are application/dtmf-relay and
// application/dtmf; anything else returns ErrInvalidDTMF.
func parseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return parseDTMFRelay(body)
	case "application/dtmf":
		return parseDTMFBody(body)
	default:
		return nil, ErrInvalidDTMF
	}
}

// parseDTMFRelay parses the key=value form:
//
//	Signal=5
//	Duration=160
//
// Signal is required. Duration defaults to 0 if missing or unparseable.
func parseDTMFRelay(body []byte) (*DTMFInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMF
	}

	info := &DTMFInfo{}
	foundSignal := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validDTMFSignals[sig] {
				return nil, ErrInvalidDTMF
			}
			info.Signal = sig
			foundSignal = true
		case "duration":
			d, err := strconv.Atoi(value)
			if err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}

	if !foundSignal {
		return nil, ErrInvalidDTMF
	}
	return info, nil
}

// parseDTMFBody parses an application/dtmf body holding a single digit.
func parseDTMFBody(body []byte) (*DTMFInfo, error) {
	sig := strings.ToUpper(strings.TrimSpace(string(body)))
	if !validDTMFSignals[sig] {
		return nil, ErrInvalidDTMF
	}
	return &DTMFInfo{Signal: sig}, nil
}
