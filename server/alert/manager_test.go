package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"github.com/san-kum/cribwatch/server/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []notify.Message
	ok   bool
}

func (f *fakeSender) Send(_ context.Context, msg notify.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.ok
}

func (f *fakeSender) sent() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.msgs...)
}

type fakeState struct {
	mu     sync.Mutex
	status models.Status
}

func (f *fakeState) Snapshot() models.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.status
	s.Stale = make(map[models.Channel]bool)
	for k, v := range f.status.Stale {
		s.Stale[k] = v
	}
	return s
}

func (f *fakeState) SetStale(ch models.Channel, stale bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Stale == nil {
		f.status.Stale = make(map[models.Channel]bool)
	}
	f.status.Stale[ch] = stale
}

func (f *fakeState) setVisionUpdate(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.LastVisionUpdate = &t
}

type fakeEvents struct {
	mu      sync.Mutex
	entries []models.EventLogEntry
}

func (f *fakeEvents) AppendEvent(_ context.Context, e models.EventLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeEvents) ofType(typ string) []models.EventLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventLogEntry
	for _, e := range f.entries {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeFrames struct{ frame *models.FrameSample }

func (f fakeFrames) LatestFrame() *models.FrameSample { return f.frame }

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupManager(t *testing.T) (*Manager, *fakeSender, *fakeState, *fakeEvents, *testClock) {
	sender := &fakeSender{ok: true}
	state := &fakeState{}
	events := &fakeEvents{}
	clock := &testClock{t: time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)}

	m := NewManager(Config{
		DebounceCount:     2,
		CryDebounceCount:  2,
		Cooldown:          30 * time.Second,
		StaleAfter:        5 * time.Minute,
		DispatchQueueSize: 16,
		Channels:          []models.Channel{models.ChannelVision},
	}, sender, state, events, fakeFrames{frame: &models.FrameSample{JPEG: []byte("latest")}},
		NewWindow(clock.t), zap.NewNop())
	m.now = clock.now
	m.startedAt = clock.t

	return m, sender, state, events, clock
}

// queued drains the dispatch queue without running the dispatcher.
func queued(m *Manager) []notify.Message {
	var out []notify.Message
	for m.dispatch.Size() > 0 {
		msg, err := m.dispatch.Pop(context.Background())
		if err != nil {
			break
		}
		out = append(out, msg)
	}
	return out
}

func feed(m *Manager, clock *testClock, levels ...models.RiskLevel) []int {
	var firedAt []int
	for i, r := range levels {
		clock.advance(time.Second)
		m.HandleVision(context.Background(), models.VisionJudgment{
			RiskLevel: r,
			Position:  models.PositionSupine,
			InCrib:    true,
			Timestamp: clock.t,
		}, &models.FrameSample{JPEG: []byte{byte(i)}})
		if len(queued(m)) > 0 {
			firedAt = append(firedAt, i+1)
		}
	}
	return firedAt
}

func TestManager_ExampleScenario(t *testing.T) {
	m, _, _, _, clock := setupManager(t)

	firedAt := feed(m, clock, safe, danger, safe, danger, danger)
	assert.Equal(t, []int{5}, firedAt)
	assert.Equal(t, danger, m.Level())
}

func TestManager_IsolatedDangerNeverAlerts(t *testing.T) {
	m, _, _, _, clock := setupManager(t)
	firedAt := feed(m, clock, safe, danger, safe, danger, safe, danger, safe)
	assert.Empty(t, firedAt)
}

func TestManager_WarningCooldownAndDangerBypass(t *testing.T) {
	m, _, _, _, clock := setupManager(t)

	firedAt := feed(m, clock, warning, warning, warning, warning, danger)
	assert.Equal(t, []int{2, 5}, firedAt)
}

func TestManager_AlertCarriesTriggeringFrame(t *testing.T) {
	m, _, _, _, clock := setupManager(t)

	clock.advance(time.Second)
	m.HandleVision(context.Background(), models.VisionJudgment{RiskLevel: danger, FaceCovered: true, InCrib: true}, &models.FrameSample{JPEG: []byte("a")})
	clock.advance(time.Second)
	m.HandleVision(context.Background(), models.VisionJudgment{RiskLevel: danger, FaceCovered: true, InCrib: true}, &models.FrameSample{JPEG: []byte("b")})

	msgs := queued(m)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("b"), msgs[0].Image)
	assert.Equal(t, models.SeverityDanger, msgs[0].Severity)
	assert.Contains(t, msgs[0].Description, "Face covered")
	assert.Equal(t, notify.ChannelAlert, msgs[0].Channel)
}

func TestManager_CooldownElapses(t *testing.T) {
	m, _, _, _, clock := setupManager(t)

	assert.Equal(t, []int{2}, feed(m, clock, danger, danger, danger))
	clock.advance(31 * time.Second)
	assert.Equal(t, []int{1}, feed(m, clock, danger))
}

func TestManager_RiskChangeEvents(t *testing.T) {
	m, _, _, events, clock := setupManager(t)
	feed(m, clock, danger, danger, safe)

	changes := events.ofType(models.EventRiskLevelChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, models.SeverityDanger, changes[0].Severity)
	assert.Equal(t, models.SeverityInfo, changes[1].Severity)
}

func TestManager_CryDebounce(t *testing.T) {
	m, _, _, _, clock := setupManager(t)
	ctx := context.Background()

	crying := models.AudioReading{IsCrying: true, CryConfidence: 0.8, Description: "Crying detected"}
	quiet := models.AudioReading{}

	m.HandleAudio(ctx, crying)
	assert.Empty(t, queued(m))

	m.HandleAudio(ctx, quiet)
	m.HandleAudio(ctx, crying)
	assert.Empty(t, queued(m))

	m.HandleAudio(ctx, crying)
	msgs := queued(m)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SeverityWarning, msgs[0].Severity)
	assert.Equal(t, []byte("latest"), msgs[0].Image)

	// Still crying within the cooldown: suppressed.
	clock.advance(5 * time.Second)
	m.HandleAudio(ctx, crying)
	assert.Empty(t, queued(m))

	summary := m.window.Drain(clock.t)
	assert.Equal(t, 1, summary.CryEvents)
}

func TestManager_CryAndVisionUseSeparateCooldowns(t *testing.T) {
	m, _, _, _, clock := setupManager(t)
	ctx := context.Background()

	feed(m, clock, warning, warning)
	m.HandleAudio(ctx, models.AudioReading{IsCrying: true})
	m.HandleAudio(ctx, models.AudioReading{IsCrying: true})

	msgs := queued(m)
	require.Len(t, msgs, 1)
	assert.Equal(t, "⚠️ Baby Crying Detected", msgs[0].Title)
}

func TestManager_StalenessEmitsOncePerEpisode(t *testing.T) {
	m, sender, state, events, clock := setupManager(t)
	ctx := context.Background()

	clock.advance(4 * time.Minute)
	m.CheckStaleness(ctx)
	assert.Empty(t, events.ofType(models.EventStaleSensor))

	clock.advance(2 * time.Minute)
	m.CheckStaleness(ctx)
	clock.advance(time.Minute)
	m.CheckStaleness(ctx)

	stale := events.ofType(models.EventStaleSensor)
	require.Len(t, stale, 1)
	assert.Equal(t, models.SeverityInfo, stale[0].Severity)
	assert.True(t, state.Snapshot().Stale[models.ChannelVision])

	state.setVisionUpdate(clock.t)
	m.CheckStaleness(ctx)
	assert.Len(t, events.ofType(models.EventSensorRecovered), 1)
	assert.False(t, state.Snapshot().Stale[models.ChannelVision])

	// Staleness is never a notification.
	assert.Empty(t, queued(m))
	assert.Empty(t, sender.sent())
}

func TestManager_TestAlertIsSynchronous(t *testing.T) {
	m, sender, _, _, _ := setupManager(t)

	assert.True(t, m.TestAlert(context.Background()))
	msgs := sender.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.ChannelAlert, msgs[0].Channel)

	sender.ok = false
	assert.False(t, m.TestAlert(context.Background()))
}

func TestManager_RunDispatchesQueuedAlerts(t *testing.T) {
	m, sender, _, _, clock := setupManager(t)
	clock.advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.HandleVision(ctx, models.VisionJudgment{RiskLevel: danger}, nil)
	m.HandleVision(ctx, models.VisionJudgment{RiskLevel: danger}, nil)

	assert.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManager_DispatchQueueDropsOldest(t *testing.T) {
	clock := &testClock{t: time.Now()}
	m := NewManager(Config{
		DebounceCount:     2,
		Cooldown:          30 * time.Second,
		DispatchQueueSize: 1,
	}, &fakeSender{ok: true}, &fakeState{}, nil, nil, nil, zap.NewNop())
	m.now = clock.now

	ctx := context.Background()
	m.HandleVision(ctx, models.VisionJudgment{RiskLevel: warning}, nil)
	m.HandleVision(ctx, models.VisionJudgment{RiskLevel: warning}, nil)
	m.HandleVision(ctx, models.VisionJudgment{RiskLevel: danger}, nil)

	assert.Equal(t, int64(1), m.Stats().Dispatch.Dropped)
	msgs := queued(m)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SeverityDanger, msgs[0].Severity)
}
