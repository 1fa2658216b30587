package tutor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-tutor/internal/audio"
	"github.com/lexiqai/live-tutor/internal/capture"
	"github.com/lexiqai/live-tutor/internal/playback/playbacktest"
	"github.com/lexiqai/live-tutor/internal/resilience"
	"github.com/lexiqai/live-tutor/internal/transport"
)

// fakeSource blocks in Read until blocks are fed or it is closed
type fakeSource struct {
	blocks    chan []float32
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeSource) Read(buf []float32) (int, error) {
	select {
	case b := <-s.blocks:
		return copy(buf, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeSource) SampleRate() int { return 16000 }
func (s *fakeSource) Channels() int   { return 1 }

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) Released() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeMic struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeSource
}

func (m *fakeMic) Acquire(ctx context.Context) (capture.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	src := newFakeSource()
	m.acquired = append(m.acquired, src)
	return src, nil
}

func (m *fakeMic) last() *fakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acquired) == 0 {
		return nil
	}
	return m.acquired[len(m.acquired)-1]
}

type fakeSpeaker struct {
	mu      sync.Mutex
	err     error
	outputs []*playbacktest.Output
}

func (s *fakeSpeaker) Open(rate, channels int) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := playbacktest.NewOutput(rate, channels)
	s.outputs = append(s.outputs, out)
	return out, nil
}

func (s *fakeSpeaker) last() *playbacktest.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil
	}
	return s.outputs[len(s.outputs)-1]
}

type recvItem struct {
	msg *transport.Message
	err error
}

type fakeConn struct {
	mu        sync.Mutex
	sent      []audio.Blob
	inbound   chan recvItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan recvItem, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, blob audio.Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, blob)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (*transport.Message, error) {
	select {
	case item := <-c.inbound:
		return item.msg, item.err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeConnector struct {
	mu    sync.Mutex
	gate  chan struct{}
	errs  []error // returned by successive calls before succeeding
	calls int
	conn  *fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context, cfg transport.Config, activity func()) (transport.Conn, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call <= len(f.errs) {
		return nil, f.errs[call-1]
	}
	return f.conn, nil
}

func (f *fakeConnector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	ctrl      *Controller
	mic       *fakeMic
	speaker   *fakeSpeaker
	connector *fakeConnector
	conn      *fakeConn
}

func newFixture(t *testing.T, opts Options, observers ...Observer) *fixture {
	t.Helper()
	f := &fixture{
		mic:     &fakeMic{},
		speaker: &fakeSpeaker{},
		conn:    newFakeConn(),
	}
	f.connector = &fakeConnector{conn: f.conn}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 2 * time.Second
	}
	f.ctrl = New(opts, f.mic, f.speaker, f.connector, zerolog.Nop(), observers...)
	t.Cleanup(func() { f.ctrl.Close() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func halfSecondBlob() audio.Blob {
	return audio.EncodeBlob(audio.Frame{
		Samples:    make([]int16, 12000),
		SampleRate: 24000,
		Channels:   1,
	})
}

func TestController_StartStop(t *testing.T) {
	f := newFixture(t, Options{})

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeListening {
		t.Fatalf("Expected listening, got %s (%s)", st.Code, st.Error)
	}
	if st.Message != "Đang lắng nghe bé..." {
		t.Errorf("Unexpected message %q", st.Message)
	}
	if f.ctrl.State() != StateActive {
		t.Errorf("Expected active, got %s", f.ctrl.State())
	}

	st = f.ctrl.Stop()
	if st.Code != CodeUserEnded {
		t.Errorf("Expected user_ended, got %s", st.Code)
	}
	if st.Message != "Nghỉ ngơi một lát nhé!" {
		t.Errorf("Unexpected message %q", st.Message)
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %s", f.ctrl.State())
	}
	if !f.mic.last().Released() {
		t.Error("Expected microphone to be released when Stop returns")
	}
	if !f.conn.isClosed() {
		t.Error("Expected transport connection to be closed")
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})

	st := f.ctrl.Stop()
	if st.Code != CodeReady || f.ctrl.State() != StateIdle {
		t.Errorf("Expected ready/idle before any session, got %s/%s", st.Code, f.ctrl.State())
	}

	f.ctrl.Start(context.Background())
	first := f.ctrl.Stop()
	second := f.ctrl.Stop()
	if first.Code != CodeUserEnded || second.Code != CodeUserEnded {
		t.Errorf("Expected user_ended twice, got %s and %s", first.Code, second.Code)
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %s", f.ctrl.State())
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	f := newFixture(t, Options{})

	f.ctrl.Start(context.Background())
	f.ctrl.Stop()

	f.conn = newFakeConn()
	f.connector.mu.Lock()
	f.connector.conn = f.conn
	f.connector.mu.Unlock()

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeListening {
		t.Fatalf("Expected second start to listen, got %s (%s)", st.Code, st.Error)
	}
	if len(f.mic.acquired) != 2 || len(f.speaker.outputs) != 2 {
		t.Errorf("Expected fresh devices per session, got %d mics and %d speakers", len(f.mic.acquired), len(f.speaker.outputs))
	}
}

func TestController_MicDenied(t *testing.T) {
	f := newFixture(t, Options{})
	f.mic.err = capture.ErrPermissionDenied

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeMicDenied {
		t.Fatalf("Expected mic_denied, got %s", st.Code)
	}
	if st.Message != "Lỗi kết nối micro" {
		t.Errorf("Unexpected message %q", st.Message)
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("Expected idle after failure, got %s", f.ctrl.State())
	}
	if f.connector.Calls() != 0 {
		t.Errorf("Expected no connection attempt, got %d", f.connector.Calls())
	}
	if f.speaker.last() == nil {
		t.Fatal("Expected speaker to have been opened")
	}
	if _, err := f.speaker.last().Play(audio.Buffer{}, 0, nil); !errors.Is(err, playbacktest.ErrClosed) {
		t.Error("Expected speaker to be closed after failed start")
	}
}

func TestController_SpeakerFailed(t *testing.T) {
	f := newFixture(t, Options{})
	f.speaker.err = errors.New("no output device")

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeSpeakerFailed {
		t.Errorf("Expected speaker_failed, got %s", st.Code)
	}
	if len(f.mic.acquired) != 0 {
		t.Error("Expected microphone not to be acquired")
	}
}

func TestController_Busy(t *testing.T) {
	f := newFixture(t, Options{})

	f.ctrl.Start(context.Background())
	st := f.ctrl.Start(context.Background())
	if st.Code != CodeBusy {
		t.Errorf("Expected busy, got %s", st.Code)
	}
	if f.ctrl.State() != StateActive {
		t.Errorf("Expected existing session to stay active, got %s", f.ctrl.State())
	}
}

func TestController_Unauthorized(t *testing.T) {
	f := newFixture(t, Options{Connect: &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}})
	f.connector.errs = []error{&transport.Error{Kind: transport.ErrAuthorization, Status: "PERMISSION_DENIED"}}

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeUnauthorized {
		t.Fatalf("Expected unauthorized, got %s (%s)", st.Code, st.Error)
	}
	if f.connector.Calls() != 1 {
		t.Errorf("Expected authorization failure not to be retried, got %d calls", f.connector.Calls())
	}
	if !f.mic.last().Released() {
		t.Error("Expected microphone to be released")
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %s", f.ctrl.State())
	}
}

func TestController_ConnectRetry(t *testing.T) {
	f := newFixture(t, Options{Connect: &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}})
	f.connector.errs = []error{errors.New("connection refused"), errors.New("connection reset")}

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeListening {
		t.Fatalf("Expected listening after retries, got %s (%s)", st.Code, st.Error)
	}
	if f.connector.Calls() != 3 {
		t.Errorf("Expected 3 connect calls, got %d", f.connector.Calls())
	}
}

func TestController_ConnectionFailedWithoutRetry(t *testing.T) {
	f := newFixture(t, Options{})
	f.connector.errs = []error{errors.New("connection refused")}

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeConnectionFailed {
		t.Errorf("Expected connection_failed, got %s", st.Code)
	}
	if f.connector.Calls() != 1 {
		t.Errorf("Expected a single attempt by default, got %d", f.connector.Calls())
	}
}

func TestController_StartTimeout(t *testing.T) {
	f := newFixture(t, Options{StartTimeout: 50 * time.Millisecond})
	f.connector.gate = make(chan struct{})

	st := f.ctrl.Start(context.Background())
	if st.Code != CodeConnectionFailed {
		t.Errorf("Expected connection_failed on start timeout, got %s", st.Code)
	}
	if !f.mic.last().Released() {
		t.Error("Expected microphone to be released")
	}
}

func TestController_StopWhileStarting(t *testing.T) {
	f := newFixture(t, Options{})
	f.connector.gate = make(chan struct{})

	result := make(chan Status, 1)
	go func() { result <- f.ctrl.Start(context.Background()) }()

	waitFor(t, "connect attempt", func() bool { return f.connector.Calls() == 1 })
	if f.ctrl.State() != StateStarting {
		t.Fatalf("Expected starting, got %s", f.ctrl.State())
	}

	st := f.ctrl.Stop()
	if st.Code != CodeUserEnded {
		t.Errorf("Expected user_ended, got %s", st.Code)
	}
	if !f.mic.last().Released() {
		t.Error("Expected microphone to be released")
	}

	select {
	case st := <-result:
		if st.Code != CodeUserEnded {
			t.Errorf("Expected Start to report user_ended, got %s", st.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestController_StartAbandoned(t *testing.T) {
	f := newFixture(t, Options{})
	f.connector.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st := f.ctrl.Start(ctx)
	if st.Code != CodeUserEnded {
		t.Errorf("Expected user_ended, got %s", st.Code)
	}
	if f.ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %s", f.ctrl.State())
	}
}

func TestController_GaplessPlayback(t *testing.T) {
	f := newFixture(t, Options{PlaybackRate: 24000, PlaybackChannels: 1})
	f.ctrl.Start(context.Background())
	out := f.speaker.last()
	out.Set(time.Second)

	f.conn.inbound <- recvItem{msg: &transport.Message{
		Audio: []audio.Blob{halfSecondBlob(), halfSecondBlob(), halfSecondBlob()},
	}}
	waitFor(t, "three scheduled frames", func() bool { return len(out.Played()) == 3 })

	played := out.Played()
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2 * time.Second}
	for i, p := range played {
		if p.At != want[i] {
			t.Errorf("Frame %d: expected start %v, got %v", i, want[i], p.At)
		}
	}
	span := played[2].At + played[2].Duration - played[0].At
	if span != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s span, got %v", span)
	}
}

func TestController_Interruption(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Start(context.Background())
	out := f.speaker.last()

	f.conn.inbound <- recvItem{msg: &transport.Message{
		Audio: []audio.Blob{halfSecondBlob(), halfSecondBlob(), halfSecondBlob()},
	}}
	waitFor(t, "three scheduled frames", func() bool { return len(out.Played()) == 3 })

	// Mid-second-frame
	out.Advance(750 * time.Millisecond)
	f.conn.inbound <- recvItem{msg: &transport.Message{Interrupted: true}}
	waitFor(t, "playback to stop", func() bool { return out.Playing() == 0 })

	voices := out.Voices()
	if voices[0].Stopped() {
		t.Error("Expected first frame to have finished naturally")
	}
	if !voices[1].Stopped() || !voices[2].Stopped() {
		t.Error("Expected in-flight frames to be stopped")
	}

	f.conn.inbound <- recvItem{msg: &transport.Message{Audio: []audio.Blob{halfSecondBlob()}}}
	waitFor(t, "frame after interruption", func() bool { return len(out.Played()) == 4 })
	if at := out.Played()[3].At; at != 750*time.Millisecond {
		t.Errorf("Expected frame after interruption to start now (750ms), got %v", at)
	}
}

func TestController_DecodeErrorIsolation(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Start(context.Background())
	out := f.speaker.last()

	f.conn.inbound <- recvItem{msg: &transport.Message{
		Audio: []audio.Blob{{Data: "%%% not base64 %%%", MIMEType: "audio/pcm;rate=24000"}},
	}}
	f.conn.inbound <- recvItem{msg: &transport.Message{Audio: []audio.Blob{halfSecondBlob()}}}

	waitFor(t, "well-formed frame", func() bool { return len(out.Played()) == 1 })
	if f.ctrl.State() != StateActive {
		t.Errorf("Expected session to survive a malformed payload, got %s", f.ctrl.State())
	}
}

func TestController_RemoteClose(t *testing.T) {
	f := newFixture(t, Options{})
	events, cancel := f.ctrl.Subscribe()
	defer cancel()

	f.ctrl.Start(context.Background())
	f.conn.inbound <- recvItem{err: &transport.CloseError{Code: 1000}}

	waitFor(t, "session end", func() bool { return f.ctrl.State() == StateIdle })
	st := f.ctrl.Status()
	if st.Code != CodeTutorEnded || st.Message != "Tạm biệt bé!" {
		t.Errorf("Expected tutor_ended, got %s %q", st.Code, st.Message)
	}
	if !f.mic.last().Released() {
		t.Error("Expected microphone to be released")
	}

	var codes []Code
	timeout := time.After(time.Second)
	for len(codes) < 3 {
		select {
		case ev := <-events:
			if ev.Type == EventStatus {
				codes = append(codes, ev.Status.Code)
			}
		case <-timeout:
			t.Fatalf("Expected 3 status events, got %v", codes)
		}
	}
	want := []Code{CodeConnecting, CodeListening, CodeTutorEnded}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("Status event %d: expected %s, got %s", i, want[i], codes[i])
		}
	}
}

func TestController_TransportErrorAfterOpen(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Start(context.Background())

	f.conn.inbound <- recvItem{err: &transport.Error{Kind: transport.ErrTransport, Code: 1011}}

	waitFor(t, "session end", func() bool { return f.ctrl.State() == StateIdle })
	if st := f.ctrl.Status(); st.Code != CodeConnectionFailed || st.Error == "" {
		t.Errorf("Expected connection_failed with cause, got %s %q", st.Code, st.Error)
	}
}

func TestController_Stalled(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 60 * time.Millisecond})
	f.ctrl.Start(context.Background())

	waitFor(t, "watchdog", func() bool { return f.ctrl.State() == StateIdle })
	if st := f.ctrl.Status(); st.Code != CodeStalled {
		t.Errorf("Expected stalled, got %s", st.Code)
	}
	if !f.conn.isClosed() {
		t.Error("Expected stalled connection to be closed")
	}
}

func TestController_OutboundFrames(t *testing.T) {
	f := newFixture(t, Options{Capture: capture.Config{SampleRate: 16000, BlockSize: 1600, ReadSize: 1600}})
	events, cancel := f.ctrl.Subscribe()
	defer cancel()

	f.ctrl.Start(context.Background())
	src := f.mic.last()

	loud := make([]float32, 1600)
	for i := range loud {
		loud[i] = 0.5
	}
	src.blocks <- loud
	src.blocks <- loud

	waitFor(t, "outbound frames", func() bool { return f.conn.sentCount() == 2 })

	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSpeechStart {
				return
			}
		case <-timeout:
			t.Fatal("Expected a speech_start event")
		}
	}
}

type fakeObserver struct {
	mu      sync.Mutex
	frames  int
	cleaned bool
	err     error
}

func (o *fakeObserver) Name() string { return "fake" }

func (o *fakeObserver) Attach(ctx context.Context, sessionID string, publish func(Event)) (capture.Tap, func(), error) {
	if o.err != nil {
		return nil, nil, o.err
	}
	tap := func(audio.Frame) {
		o.mu.Lock()
		o.frames++
		o.mu.Unlock()
	}
	return tap, func() {
		o.mu.Lock()
		o.cleaned = true
		o.mu.Unlock()
	}, nil
}

func TestController_Observers(t *testing.T) {
	obs := &fakeObserver{}
	broken := &fakeObserver{err: errors.New("captions unavailable")}
	f := newFixture(t, Options{Capture: capture.Config{BlockSize: 800, ReadSize: 800}}, obs, broken)

	if st := f.ctrl.Start(context.Background()); st.Code != CodeListening {
		t.Fatalf("Expected a failing observer not to block the session, got %s", st.Code)
	}
	f.mic.last().blocks <- make([]float32, 800)
	waitFor(t, "observer frame", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.frames == 1
	})

	f.ctrl.Stop()
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if !obs.cleaned {
		t.Error("Expected observer cleanup on teardown")
	}
}

func TestStatus_FailureCodes(t *testing.T) {
	for _, c := range []Code{CodeMicDenied, CodeUnauthorized, CodeConnectionFailed, CodeStalled} {
		if !c.Failure() {
			t.Errorf("Expected %s to be a failure", c)
		}
	}
	for _, c := range []Code{CodeUserEnded, CodeTutorEnded, CodeListening} {
		if c.Failure() {
			t.Errorf("Expected %s not to be a failure", c)
		}
	}
	if Code("other").Message() != "other" {
		t.Error("Expected unknown code to render as itself")
	}
}

func TestController_Check(t *testing.T) {
	f := newFixture(t, Options{})

	if ok, err := f.ctrl.Check(context.Background()); !ok || err != nil {
		t.Errorf("Expected ready before any session, got %v, %v", ok, err)
	}

	// A child's outcome is not a service fault
	f.mic.err = capture.ErrPermissionDenied
	if st := f.ctrl.Start(context.Background()); st.Code != CodeMicDenied {
		t.Fatalf("Expected mic_denied, got %s", st.Code)
	}
	if ok, err := f.ctrl.Check(context.Background()); !ok || err != nil {
		t.Errorf("Expected ready after mic_denied, got %v, %v", ok, err)
	}

	f.mic.err = nil
	f.connector.errs = []error{&transport.Error{Kind: transport.ErrAuthorization, Status: "PERMISSION_DENIED"}}
	if st := f.ctrl.Start(context.Background()); st.Code != CodeUnauthorized {
		t.Fatalf("Expected unauthorized, got %s", st.Code)
	}
	if ok, err := f.ctrl.Check(context.Background()); ok || err == nil {
		t.Error("Expected not ready after the API key was rejected")
	}
}
