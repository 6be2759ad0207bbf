package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/observability"
)

var errStreamClosed = errors.New("event stream closed")

// sseWriter frames values as server-sent events. Writes are serialized so the
// heartbeat can share the connection with the event loop. After the first
// failed write every later write is dropped.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	failed  bool
	closed  bool
	onFail  func(error)
	metrics *observability.Metrics
	now     func() time.Time
}

func newSSEWriter(w http.ResponseWriter, metrics *observability.Metrics, now func() time.Time, onFail func(error)) *sseWriter {
	if now == nil {
		now = time.Now
	}
	return &sseWriter{
		w:       w,
		rc:      http.NewResponseController(w),
		onFail:  onFail,
		metrics: metrics,
		now:     now,
	}
}

// open sends the response header.
func (s *sseWriter) open() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// send writes v as one data frame.
func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+10)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\r\n\r\n"...)
	return s.write(frame)
}

// ping writes a comment frame that clients ignore.
func (s *sseWriter) ping() error {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.write([]byte(": ping " + ts + "\r\n\r\n")); err != nil {
		return err
	}
	s.metrics.Heartbeat()
	return nil
}

func (s *sseWriter) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed {
		return errStreamClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		s.fail(err)
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// fail must be called with the lock held.
func (s *sseWriter) fail(err error) {
	if s.failed {
		return
	}
	s.failed = true
	if s.onFail != nil {
		s.onFail(err)
	}
}

// heartbeat pings every interval until the returned stop function is called
// or a write fails. stop waits for the ticker goroutine to exit, so no ping
// can follow it.
func (s *sseWriter) heartbeat(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// close drops any later write.
func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
