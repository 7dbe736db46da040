package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ethan/screencaster/pkg/media"
)

// audioChunkBytes is 10ms of 48kHz stereo float32 PCM, matching
// audioChunkPeriod.
const audioChunkBytes = 480 * 2 * 4

// FFmpegDevice captures the X11 display and default PulseAudio source
// through two ffmpeg subprocesses, satisfying the Device interface
// CaptureStage drives. Grounded on pkg/decode.FFmpegVideoDecoder's
// exec.Cmd/stdin-stdout pipe protocol and
// n0remac-robot-webrtc/client/streaming.go's StreamProcess{Cmd, Args}
// shape, generalized from decode's one-access-unit-in/one-frame-out
// synchronous protocol to capture's continuous frame/chunk output.
type FFmpegDevice struct {
	width, height int
	frameSize     int

	videoCmd *exec.Cmd
	videoOut io.ReadCloser

	audioCmd *exec.Cmd
	audioOut io.ReadCloser
}

// NewFFmpegDevice spawns the video (and, if audio is true, audio)
// capture subprocesses for displayID at width x height / fps.
func NewFFmpegDevice(displayID uint32, width, height, fps int, audio bool) (*FFmpegDevice, error) {
	d := &FFmpegDevice{
		width:     width,
		height:    height,
		frameSize: width*height + width*height/2, // NV12: Y plane + half-size interleaved UV
	}

	videoCmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
		"-i", fmt.Sprintf(":%d.0", displayID),
		"-pix_fmt", "nv12",
		"-f", "rawvideo", "pipe:1",
	)
	videoOut, err := videoCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: video stdout pipe: %w", err)
	}
	videoCmd.Stderr = os.Stderr
	if err := videoCmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start video capture: %w", err)
	}
	d.videoCmd = videoCmd
	d.videoOut = videoOut

	if audio {
		audioCmd := exec.Command("ffmpeg",
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "2", "-ar", "48000",
			"-f", "f32le", "pipe:1",
		)
		audioOut, err := audioCmd.StdoutPipe()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("capture: audio stdout pipe: %w", err)
		}
		audioCmd.Stderr = os.Stderr
		if err := audioCmd.Start(); err != nil {
			d.Close()
			return nil, fmt.Errorf("capture: start audio capture: %w", err)
		}
		d.audioCmd = audioCmd
		d.audioOut = audioOut
	}

	return d, nil
}

// ReadFrame reads one NV12 frame's worth of bytes off the video
// subprocess's stdout.
func (d *FFmpegDevice) ReadFrame(ctx context.Context) (*media.RawVideoFrame, error) {
	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.videoOut, buf); err != nil {
		return nil, fmt.Errorf("capture: read video frame: %w", err)
	}

	ySize := d.width * d.height
	frame := &media.RawVideoFrame{
		Format:     media.NV12,
		Width:      d.width,
		Height:     d.height,
		CapturedAt: time.Now(),
	}
	frame.Strides[0] = d.width
	frame.Strides[1] = d.width
	frame.Planes[0] = buf[:ySize]
	frame.Planes[1] = buf[ySize:]
	return frame, nil
}

// ReadAudio reads one 10ms stereo PCM chunk off the audio subprocess's
// stdout, or returns silence if audio capture was not requested.
func (d *FFmpegDevice) ReadAudio(ctx context.Context) ([]byte, error) {
	if d.audioOut == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(audioChunkPeriod):
			return make([]byte, audioChunkBytes), nil
		}
	}
	buf := make([]byte, audioChunkBytes)
	if _, err := io.ReadFull(d.audioOut, buf); err != nil {
		return nil, fmt.Errorf("capture: read audio chunk: %w", err)
	}
	return buf, nil
}

// Close terminates both capture subprocesses.
func (d *FFmpegDevice) Close() error {
	if d.videoCmd != nil && d.videoCmd.Process != nil {
		d.videoCmd.Process.Kill()
		d.videoCmd.Wait()
	}
	if d.audioCmd != nil && d.audioCmd.Process != nil {
		d.audioCmd.Process.Kill()
		d.audioCmd.Wait()
	}
	return nil
}
