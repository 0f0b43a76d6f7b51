package vision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

const defaultOpenTimeout = 5 * time.Second

// CommandConfig 描述通过 ffmpeg 子进程读取的视频源。
type CommandConfig struct {
	FFmpegPath  string
	Input       string
	Width       int
	Height      int
	FPS         int
	OpenTimeout time.Duration
}

// CommandSource 启动 ffmpeg，将摄像头或文件解码为 bgr24 原始帧并从 stdout 读取。
type CommandSource struct {
	cfg       CommandConfig
	frameSize int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	pending *visionmodel.Frame
	seq     atomic.Uint64

	errMu   sync.Mutex
	lastErr string
}

// NewCommandSource validates cfg and applies defaults.
func NewCommandSource(cfg CommandConfig) (*CommandSource, error) {
	if strings.TrimSpace(cfg.Input) == "" {
		return nil, fmt.Errorf("video input is required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	return &CommandSource{cfg: cfg, frameSize: cfg.Width * cfg.Height * 3}, nil
}

func (s *CommandSource) Name() string {
	return s.cfg.Input
}

// Args 返回传给 ffmpeg 的参数。
func (s *CommandSource) Args() []string {
	size := fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height)
	fps := strconv.Itoa(s.cfg.FPS)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case strings.HasPrefix(s.cfg.Input, "/dev/video"):
		args = append(args, "-f", "v4l2", "-framerate", fps, "-video_size", size, "-i", s.cfg.Input)
	case isRegularFile(s.cfg.Input):
		args = append(args, "-re", "-i", s.cfg.Input)
	default:
		args = append(args, "-i", s.cfg.Input)
	}
	return append(args, "-an", "-f", "rawvideo", "-pix_fmt", "bgr24", "-s", size, "-r", fps, "pipe:1")
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open 启动子进程并等待第一帧，在超时内拿不到帧视为设备不可用。
func (s *CommandSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil
	}

	cmd := exec.Command(s.cfg.FFmpegPath, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.cfg.FFmpegPath, err)
	}

	log.Printf("[capture] ffmpeg started pid=%d input=%s", cmd.Process.Pid, s.cfg.Input)

	s.cmd = cmd
	s.stdout = stdout
	go s.logStderr(stderr)

	first := make(chan error, 1)
	var frame visionmodel.Frame
	go func() {
		var readErr error
		frame, readErr = s.readFrame()
		first <- readErr
	}()

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case err = <-first:
	case <-timer.C:
		err = fmt.Errorf("no frame within %s", s.cfg.OpenTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		s.killLocked()
		if detail := s.stderrTail(); detail != "" {
			return fmt.Errorf("%w (ffmpeg: %s)", err, detail)
		}
		return err
	}

	s.pending = &frame
	return nil
}

func (s *CommandSource) Read(ctx context.Context) (visionmodel.Frame, error) {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return visionmodel.Frame{}, ErrSourceClosed
	}
	if s.pending != nil {
		frame := *s.pending
		s.pending = nil
		s.mu.Unlock()
		return frame, nil
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return visionmodel.Frame{}, err
	}
	return s.readFrame()
}

func (s *CommandSource) readFrame() (visionmodel.Frame, error) {
	buf := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
			return visionmodel.Frame{}, fmt.Errorf("%w: %v", ErrSourceClosed, err)
		}
		return visionmodel.Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}

	return visionmodel.Frame{
		Seq:        s.seq.Add(1),
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Format:     visionmodel.FormatBGR24,
		Data:       buf,
		CapturedAt: time.Now(),
	}, nil
}

func (s *CommandSource) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.errMu.Lock()
		s.lastErr = line
		s.errMu.Unlock()
		log.Printf("[capture] ffmpeg: %s", line)
	}
}

func (s *CommandSource) stderrTail() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *CommandSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *CommandSource) killLocked() {
	if s.cmd == nil {
		return
	}
	cmd := s.cmd
	s.cmd = nil
	s.pending = nil

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if err := cmd.Wait(); err != nil {
		log.Printf("[capture] ffmpeg exited: %v", err)
	}
}
