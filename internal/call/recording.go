package call

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// ToggleRecording starts (start=true) or stops (start=false) recording
// address's media. Idempotent: starting an already-recording participant
// or stopping an idle one succeeds without touching the pipeline. An
// active recording is force-stopped once RecordingLimit elapses, whether
// or not an explicit stop ever arrives.
func (c *Call) ToggleRecording(ctx context.Context, address string, start bool) (bool, error) {
	if !start {
		return c.stopRecording(ctx, address)
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false, ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return false, ErrNoParticipant
	}
	if p.recorder != nil {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	file := c.recordingFile(address)
	rec, err := c.pipe.CreateRecorder(ctx, "file://"+file, c.opts.RecordingProfile)
	if err != nil {
		return false, fmt.Errorf("creating recorder: %w", err)
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.releaseElement(rec, "recorder")
		return false, ErrCallFinished
	}
	p, ok = c.participants[address]
	if !ok {
		c.mu.Unlock()
		c.releaseElement(rec, "recorder")
		return false, ErrNoParticipant
	}
	if p.recorder != nil {
		c.mu.Unlock()
		c.releaseElement(rec, "recorder")
		return true, nil
	}
	if err := p.endpoint.Connect(ctx, rec, pipeline.MediaAll); err != nil {
		c.mu.Unlock()
		c.releaseElement(rec, "recorder")
		return false, fmt.Errorf("connecting recorder: %w", err)
	}
	p.recorder = rec
	p.recordFile = file
	if c.opts.RecordingLimit > 0 {
		p.recordTimer = time.AfterFunc(c.opts.RecordingLimit, func() {
			c.logger.Warn("recording hit maximum duration, forcing stop",
				"address", address,
				"limit", c.opts.RecordingLimit,
			)
			if _, err := c.ToggleRecording(context.Background(), address, false); err != nil {
				c.logger.Warn("force-stopping recording", "address", address, "error", err)
			}
		})
	}
	c.mu.Unlock()

	if err := rec.Record(ctx); err != nil {
		c.mu.Lock()
		if cur, ok := c.participants[address]; ok && cur.recorder == rec {
			if cur.recordTimer != nil {
				cur.recordTimer.Stop()
				cur.recordTimer = nil
			}
			cur.recorder = nil
			cur.recordFile = ""
		}
		c.mu.Unlock()
		c.releaseElement(rec, "recorder")
		return false, fmt.Errorf("starting recorder: %w", err)
	}

	if c.onRecordingStarted != nil {
		c.onRecordingStarted(c.id, address, file)
	}

	c.logger.Info("recording started", "address", address, "file", file)
	return true, nil
}

func (c *Call) stopRecording(ctx context.Context, address string) (bool, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false, ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return false, ErrNoParticipant
	}
	rec := p.recorder
	if rec == nil {
		c.mu.Unlock()
		return true, nil
	}
	p.recorder = nil
	p.recordFile = ""
	if p.recordTimer != nil {
		p.recordTimer.Stop()
		p.recordTimer = nil
	}
	ep := p.endpoint
	c.mu.Unlock()

	if err := rec.StopAndWait(ctx); err != nil {
		c.logger.Warn("stopping recorder", "address", address, "error", err)
	}
	if err := ep.Disconnect(ctx, rec, pipeline.MediaAll); err != nil {
		c.logger.Warn("disconnecting recorder", "address", address, "error", err)
	}
	c.releaseElement(rec, "recorder")

	c.logger.Info("recording stopped", "address", address)
	return true, nil
}

// Recording reports whether address is currently being recorded.
func (c *Call) Recording(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[address]
	return ok && p.recorder != nil
}

// recordingFile builds the output path for a participant recording. The
// extension follows the recorder profile.
func (c *Call) recordingFile(address string) string {
	ext := ".mp4"
	if strings.HasPrefix(strings.ToUpper(c.opts.RecordingProfile), "WEBM") {
		ext = ".webm"
	}
	name := fmt.Sprintf("%s-%s-%d%s", c.id, address, time.Now().Unix(), ext)
	return filepath.Join(c.opts.RecordingDir, name)
}
