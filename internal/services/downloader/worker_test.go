package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/provider"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

type fakeBus struct {
	published []*models.Envelope
	publishFn func(env *models.Envelope) error
}

func (f *fakeBus) Publish(_ context.Context, env *models.Envelope) error {
	if f.publishFn != nil {
		if err := f.publishFn(env); err != nil {
			return err
		}
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string, []string, interfaces.DeliveryHandler) error {
	return nil
}
func (f *fakeBus) IsHealthy(context.Context) bool { return true }
func (f *fakeBus) Close() error                   { return nil }

func (f *fakeBus) types() []models.EventType {
	out := make([]models.EventType, len(f.published))
	for i, env := range f.published {
		out[i] = env.EventType
	}
	return out
}

func (f *fakeBus) last() *models.Envelope {
	return f.published[len(f.published)-1]
}

type fakeDelivery struct {
	body     []byte
	acked    bool
	nacked   bool
	requeued bool
}

func (f *fakeDelivery) Body() []byte { return f.body }
func (f *fakeDelivery) Ack() error   { f.acked = true; return nil }
func (f *fakeDelivery) Nack(requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

// scriptedProvider answers searches per language and records the order of
// calls.
type scriptedProvider struct {
	name        string
	byLanguage  map[string][]interfaces.SubtitleCandidate
	searchErr   error
	downloadErr error
	calls       []string
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Search(_ context.Context, _, _ string, language string) ([]interfaces.SubtitleCandidate, error) {
	s.calls = append(s.calls, "search:"+language)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.byLanguage[language], nil
}

func (s *scriptedProvider) Download(_ context.Context, c interfaces.SubtitleCandidate) (string, error) {
	s.calls = append(s.calls, "download:"+c.ID)
	if s.downloadErr != nil {
		return "", s.downloadErr
	}
	return "/downloads/" + c.ID + "." + c.Language + ".srt", nil
}

func candidate(id, language string, score float64) interfaces.SubtitleCandidate {
	return interfaces.SubtitleCandidate{ID: id, Language: language, Score: score}
}

func newTestWorker(bus *fakeBus, providers ...interfaces.SubtitleProvider) *Worker {
	w := NewWorker(
		&common.BrokerConfig{DownloadQueue: "subtitle.download"},
		&common.DownloadConfig{FallbackLanguage: "en"},
		nil,
		bus,
		provider.NewRegistryWithProviders(providers...),
		common.GetLogger(),
	)
	w.maxRetries = 2
	w.backoff = supervisor.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Base: 2}
	return w
}

func taskBody(t *testing.T, task *models.DownloadTask) []byte {
	t.Helper()
	body, err := task.ToJSON()
	require.NoError(t, err)
	return body
}

func baseTask() *models.DownloadTask {
	return &models.DownloadTask{
		JobID:         "job-1",
		VideoURL:      "https://media.example/library/dune.mkv",
		VideoTitle:    "Dune Part Two",
		Language:      "de",
		AutoTranslate: true,
	}
}

func TestDesiredLanguageFoundEmitsReady(t *testing.T) {
	bus := &fakeBus{}
	p := &scriptedProvider{name: "opensubs", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"de": {candidate("best", "de", 0.95), candidate("worse", "de", 0.4)},
	}}
	worker := newTestWorker(bus, p)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleDownloadStarted,
		models.EventSubtitleReady,
	}, bus.types())
	assert.True(t, delivery.acked)

	var ready models.ReadyPayload
	require.NoError(t, bus.last().DecodePayload(&ready))
	assert.Equal(t, "/downloads/best.de.srt", ready.SubtitlePath)
	assert.Equal(t, "de", ready.Language)
	assert.Equal(t, "opensubs", ready.Provider)
	assert.Equal(t, 0.95, ready.Score)

	// Best candidate downloaded, desired language only.
	assert.Equal(t, []string{"search:de", "download:best"}, p.calls)
}

func TestFallbackAcquisitionEmitsTranslateRequest(t *testing.T) {
	bus := &fakeBus{}
	p := &scriptedProvider{name: "opensubs", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"en": {candidate("fallback", "en", 0.8)},
	}}
	worker := newTestWorker(bus, p)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleDownloadStarted,
		models.EventSubtitleTranslateRequest,
	}, bus.types())
	assert.True(t, delivery.acked)

	var req models.TranslateRequestPayload
	require.NoError(t, bus.last().DecodePayload(&req))
	assert.Equal(t, "/downloads/fallback.en.srt", req.SubtitleFilePath)
	assert.Equal(t, "en", req.SourceLanguage)
	assert.Equal(t, "de", req.TargetLanguage)
	assert.Equal(t, "subtitle_not_found", req.Reason)
}

func TestNoAutoTranslateFailsJobWithoutFallbackSearch(t *testing.T) {
	bus := &fakeBus{}
	p := &scriptedProvider{name: "opensubs", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"en": {candidate("fallback", "en", 0.8)},
	}}
	worker := newTestWorker(bus, p)
	task := baseTask()
	task.AutoTranslate = false
	delivery := &fakeDelivery{body: taskBody(t, task)}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleDownloadStarted,
		models.EventJobFailed,
	}, bus.types())
	assert.True(t, delivery.acked)
	assert.Equal(t, []string{"search:de"}, p.calls, "fallback never searched")

	var failed models.FailedPayload
	require.NoError(t, bus.last().DecodePayload(&failed))
	assert.Equal(t, "subtitle_not_found", failed.Reason)
}

func TestNothingAnywhereFailsJob(t *testing.T) {
	bus := &fakeBus{}
	p := &scriptedProvider{name: "opensubs"}
	worker := newTestWorker(bus, p)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleDownloadStarted,
		models.EventJobFailed,
	}, bus.types())
	assert.True(t, delivery.acked)
	assert.Equal(t, []string{"search:de", "search:en"}, p.calls)
}

func TestRateLimitExhaustionFailsJobWithRateLimitKind(t *testing.T) {
	bus := &fakeBus{}
	p := &scriptedProvider{name: "opensubs", searchErr: models.NewRateLimitError("throttled", nil)}
	worker := newTestWorker(bus, p)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.nacked)
	assert.False(t, delivery.requeued)
	require.Equal(t, []models.EventType{
		models.EventSubtitleDownloadStarted,
		models.EventJobFailed,
	}, bus.types())

	var failed models.FailedPayload
	require.NoError(t, bus.last().DecodePayload(&failed))
	assert.Equal(t, string(models.ErrKindRateLimit), failed.ErrorType)

	// Initial attempt plus two retries before giving up.
	assert.Equal(t, []string{"search:de", "search:de", "search:de"}, p.calls)
}

func TestProviderErrorFallsThroughToNextProvider(t *testing.T) {
	bus := &fakeBus{}
	broken := &scriptedProvider{name: "broken", searchErr: models.NewPermanentError("bad key", nil)}
	working := &scriptedProvider{name: "working", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"de": {candidate("best", "de", 0.9)},
	}}
	worker := newTestWorker(bus, broken, working)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.acked)
	assert.Contains(t, bus.types(), models.EventSubtitleReady)
	assert.Equal(t, []string{"search:de"}, broken.calls, "permanent error not retried")
	assert.Equal(t, []string{"search:de", "download:best"}, working.calls)
}

func TestPreferredSourcesTriedFirst(t *testing.T) {
	bus := &fakeBus{}
	first := &scriptedProvider{name: "first", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"de": {candidate("a", "de", 0.5)},
	}}
	preferred := &scriptedProvider{name: "preferred", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"de": {candidate("b", "de", 0.6)},
	}}
	worker := newTestWorker(bus, first, preferred)
	task := baseTask()
	task.PreferredSources = []string{"preferred"}
	delivery := &fakeDelivery{body: taskBody(t, task)}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.acked)
	assert.Equal(t, []string{"search:de", "download:b"}, preferred.calls)
	assert.Empty(t, first.calls, "preferred provider satisfied the task")
}

func TestMalformedTaskDropped(t *testing.T) {
	bus := &fakeBus{}
	worker := newTestWorker(bus, &scriptedProvider{name: "opensubs"})
	delivery := &fakeDelivery{body: []byte("{oops")}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.nacked)
	assert.False(t, delivery.requeued)
	assert.Empty(t, bus.published)
}

func TestReadyPublishFailureRequeues(t *testing.T) {
	bus := &fakeBus{}
	bus.publishFn = func(env *models.Envelope) error {
		if env.EventType == models.EventSubtitleReady {
			return models.NewTransientError("broker gone", nil)
		}
		return nil
	}
	p := &scriptedProvider{name: "opensubs", byLanguage: map[string][]interfaces.SubtitleCandidate{
		"de": {candidate("best", "de", 0.9)},
	}}
	worker := newTestWorker(bus, p)
	delivery := &fakeDelivery{body: taskBody(t, baseTask())}

	worker.handleDelivery(context.Background(), delivery)

	assert.False(t, delivery.acked)
	assert.True(t, delivery.nacked)
	assert.True(t, delivery.requeued)
}
