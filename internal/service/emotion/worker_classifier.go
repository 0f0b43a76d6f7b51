package emotion

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

const (
	defaultWorkerTimeout = 5 * time.Second
	maxWorkerMessage     = 16 << 20
)

// workerRequest 是发往表情识别子进程的一帧。
type workerRequest struct {
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	Seq       uint64 `msgpack:"seq"`
}

type workerFace struct {
	Box      []int              `msgpack:"box"`
	Emotions map[string]float64 `msgpack:"emotions"`
}

type workerResponse struct {
	Seq   uint64       `msgpack:"seq"`
	Faces []workerFace `msgpack:"faces"`
	Error string       `msgpack:"error"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(prefix)
	if size > maxWorkerMessage {
		return fmt.Errorf("message too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// workerConn 是与子进程的一条双向通道。
type workerConn struct {
	w     io.WriteCloser
	r     io.Reader
	close func() error
}

type dialFunc func(ctx context.Context) (*workerConn, error)

// WorkerClassifier 通过常驻子进程完成表情识别，stdin/stdout 上使用带长度前缀的 msgpack。
// 子进程异常或超时后会被结束，下次调用时重新拉起。
type WorkerClassifier struct {
	timeout time.Duration
	dial    dialFunc

	mu   sync.Mutex
	conn *workerConn
	seq  uint64
}

// NewWorkerClassifier creates a classifier that spawns argv on first use.
func NewWorkerClassifier(argv []string, timeout time.Duration) (*WorkerClassifier, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	return newWorkerClassifier(processDialer(argv), timeout), nil
}

func newWorkerClassifier(dial dialFunc, timeout time.Duration) *WorkerClassifier {
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	return &WorkerClassifier{timeout: timeout, dial: dial}
}

func processDialer(argv []string) dialFunc {
	return func(ctx context.Context) (*workerConn, error) {
		cmd := exec.Command(argv[0], argv[1:]...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start expression worker: %w", err)
		}
		log.Printf("[emotion] expression worker started, pid=%d", cmd.Process.Pid)

		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Printf("[emotion] worker: %s", scanner.Text())
			}
		}()

		var once sync.Once
		return &workerConn{
			w: stdin,
			r: bufio.NewReader(stdout),
			close: func() error {
				var err error
				once.Do(func() {
					_ = stdin.Close()
					if cmd.Process != nil {
						_ = cmd.Process.Kill()
					}
					err = cmd.Wait()
				})
				return err
			},
		}, nil
	}
}

func (c *WorkerClassifier) Classify(ctx context.Context, frame visionmodel.Frame) (Scores, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	c.seq++
	req := workerRequest{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    string(frame.Format),
		Seq:       c.seq,
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		c.resetLocked()
		return nil, err
	}
	if resp.Seq != req.Seq {
		c.resetLocked()
		return nil, fmt.Errorf("worker answered seq %d, expected %d", resp.Seq, req.Seq)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker error: %s", resp.Error)
	}

	face, ok := firstFace(resp.Faces)
	if !ok {
		return nil, ErrNoFace
	}
	return Scores(face.Emotions), nil
}

func (c *WorkerClassifier) roundTrip(ctx context.Context, req workerRequest) (*workerResponse, error) {
	conn := c.conn
	type result struct {
		resp *workerResponse
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		if err := writeMessage(conn.w, req); err != nil {
			ch <- result{err: err}
			return
		}
		resp := &workerResponse{}
		if err := readMessage(conn.r, resp); err != nil {
			ch <- result{err: fmt.Errorf("failed to read worker response: %w", err)}
			return
		}
		ch <- result{resp: resp}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-timer.C:
		return nil, fmt.Errorf("worker did not answer within %s", c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resetLocked drops the current worker so the next call starts a fresh one.
func (c *WorkerClassifier) resetLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.close(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[emotion] expression worker exited: %v", err)
	}
	c.conn = nil
}

// Close stops the worker process if one is running.
func (c *WorkerClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// firstFace 按检测器给出的顺序取第一张带得分的人脸。
func firstFace(faces []workerFace) (workerFace, bool) {
	for _, face := range faces {
		if len(face.Emotions) > 0 {
			return face, true
		}
	}
	return workerFace{}, false
}
