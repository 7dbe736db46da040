package encode

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ethan/screencaster/pkg/media"
)

// naluStartCode is the Annex B start code ffmpeg's H.264 encoder emits
// between NAL units on stdout; Encode splits its stdout read on this
// marker to produce one complete access unit per captured frame.
var naluStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// idrNALUType is the H.264 NAL unit type byte (low 5 bits) for an IDR
// slice; its presence in an access unit marks it as a keyframe.
const idrNALUType = 5

// FFmpegVideoEncoder drives an ffmpeg subprocess fed raw NV12 frames on
// stdin and read back as an Annex B H.264 stream on stdout, the mirror
// image of pkg/decode.FFmpegVideoDecoder's subprocess protocol (spawn
// once, one frame in per Encode call, read until the next access unit
// boundary comes back).
type FFmpegVideoEncoder struct {
	width, height, fps int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	readBuf []byte
}

// NewFFmpegVideoEncoder spawns the subprocess, configured for the
// spec.md §4.3 baseline H.264 profile at the given dimensions/fps.
func NewFFmpegVideoEncoder(width, height, fps int) (*FFmpegVideoEncoder, error) {
	e := &FFmpegVideoEncoder{width: width, height: height, fps: fps}
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "nv12",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprint(fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-forced-idr", "1",
		"-g", fmt.Sprint(fps*2), // approximates KeyframeInterval at the encoder level; see Encode
		"-f", "h264", "pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encode: ffmpeg stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encode: ffmpeg stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encode: ffmpeg start: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = stdout
	return e, nil
}

// Encode writes one NV12 frame to the subprocess and reads back the
// access unit(s) it produces in response, up to the next start code that
// opens a new access unit. forceKeyframe is not wired to a per-call
// ffmpeg control (the rawvideo pipe protocol has no such signal); the
// fixed -g GOP size set in NewFFmpegVideoEncoder approximates
// KeyframeInterval instead, so a forced keyframe request from
// ReorderStage's loss handling still gets a real IDR within one GOP
// rather than immediately.
func (e *FFmpegVideoEncoder) Encode(frame *media.RawVideoFrame, forceKeyframe bool) ([]byte, bool, error) {
	payload := append(append([]byte(nil), frame.Planes[0]...), frame.Planes[1]...)
	if _, err := e.stdin.Write(payload); err != nil {
		return nil, false, fmt.Errorf("encode: ffmpeg stdin write: %w", err)
	}

	au, err := e.readAccessUnit()
	if err != nil {
		return nil, false, fmt.Errorf("encode: ffmpeg stdout read: %w", err)
	}
	return au, containsIDR(au), nil
}

// readAccessUnit reads from stdout until it has buffered a full access
// unit: one or more Annex B NAL units up to (but not including) the
// start code that begins the next one.
func (e *FFmpegVideoEncoder) readAccessUnit() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if idx := findSecondStartCode(e.readBuf); idx >= 0 {
			au := e.readBuf[:idx]
			e.readBuf = e.readBuf[idx:]
			return au, nil
		}
		n, err := e.stdout.Read(chunk)
		if n > 0 {
			e.readBuf = append(e.readBuf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && len(e.readBuf) > 0 {
				au := e.readBuf
				e.readBuf = nil
				return au, nil
			}
			return nil, err
		}
	}
}

// findSecondStartCode returns the offset of the start code that follows
// the first one in buf, or -1 if buf doesn't yet contain a complete
// access unit.
func findSecondStartCode(buf []byte) int {
	first := bytes.Index(buf, naluStartCode)
	if first < 0 {
		return -1
	}
	second := bytes.Index(buf[first+len(naluStartCode):], naluStartCode)
	if second < 0 {
		return -1
	}
	return first + len(naluStartCode) + second
}

// containsIDR scans an access unit's NAL units for an IDR slice.
func containsIDR(au []byte) bool {
	for i := 0; i+len(naluStartCode) < len(au); i++ {
		if bytes.Equal(au[i:i+len(naluStartCode)], naluStartCode) {
			naluType := au[i+len(naluStartCode)] & 0x1F
			if naluType == idrNALUType {
				return true
			}
		}
	}
	return false
}

// Close terminates the subprocess.
func (e *FFmpegVideoEncoder) Close() error {
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
	return nil
}
