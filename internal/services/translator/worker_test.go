package translator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/subtitle"
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

func newWorkerFixture(t *testing.T, segmentCount, maxTokens int) (*Worker, *engineFixture, *fakeBus) {
	t.Helper()
	fx := newEngineFixture(t, segmentCount, maxTokens)
	bus := &fakeBus{}
	worker := NewWorker(&common.BrokerConfig{TranslationQueue: "subtitle.translation"}, nil, bus, fx.engine, common.GetLogger())
	return worker, fx, bus
}

func taskBody(t *testing.T, task *models.TranslationTask) []byte {
	t.Helper()
	body, err := task.ToJSON()
	require.NoError(t, err)
	return body
}

func TestWorkerHappyPathEmitsInOrderThenAcks(t *testing.T) {
	worker, fx, bus := newWorkerFixture(t, 6, 60)
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleTranslateStarted,
		models.EventTranslationCompleted,
		models.EventSubtitleTranslated,
	}, bus.types())
	assert.True(t, delivery.acked)
	assert.False(t, delivery.nacked)

	var completed models.CompletedPayload
	require.NoError(t, bus.published[1].DecodePayload(&completed))
	assert.Equal(t, 6, completed.SegmentCount)
	assert.Equal(t, "en", completed.SourceLanguage)
	assert.Equal(t, "de", completed.TargetLanguage)
	assert.GreaterOrEqual(t, completed.DurationSeconds, 0.0)

	var translated models.TranslatedPayload
	require.NoError(t, bus.published[2].DecodePayload(&translated))
	assert.Contains(t, translated.SubtitlePath, "episode.de.srt")
	assert.Equal(t, "de", translated.TargetLanguage)
}

func TestWorkerMalformedTaskDroppedWithoutRequeue(t *testing.T) {
	worker, _, bus := newWorkerFixture(t, 4, 60)
	delivery := &fakeDelivery{body: []byte("{not json")}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.nacked)
	assert.False(t, delivery.requeued)
	assert.Empty(t, bus.published)
}

func TestWorkerInvalidTaskFailsJob(t *testing.T) {
	worker, fx, bus := newWorkerFixture(t, 4, 60)
	fx.task.TargetLanguage = fx.task.SourceLanguage
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.nacked)
	assert.False(t, delivery.requeued)
	require.Equal(t, []models.EventType{models.EventJobFailed}, bus.types())

	var failed models.FailedPayload
	require.NoError(t, bus.published[0].DecodePayload(&failed))
	assert.Equal(t, string(models.ErrKindPermanent), failed.ErrorType)
}

func TestWorkerEngineFailureEmitsJobFailedAndDrops(t *testing.T) {
	worker, fx, bus := newWorkerFixture(t, 6, 30)
	fx.translator.hook = func(int, []subtitle.Segment) error {
		return models.NewTransientError("upstream 503", nil)
	}
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(context.Background(), delivery)

	assert.True(t, delivery.nacked)
	assert.False(t, delivery.requeued, "retry budget spent, no requeue")
	require.Equal(t, []models.EventType{
		models.EventSubtitleTranslateStarted,
		models.EventJobFailed,
	}, bus.types())

	var failed models.FailedPayload
	require.NoError(t, bus.published[1].DecodePayload(&failed))
	assert.Equal(t, string(models.ErrKindTransient), failed.ErrorType)
}

func TestWorkerFailureMessageCarriesNoInternalPath(t *testing.T) {
	worker, fx, bus := newWorkerFixture(t, 4, 60)
	require.NoError(t, os.WriteFile(fx.task.SubtitleFilePath, []byte("1\nnot a timing line\ntext\n"), 0o644))
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(context.Background(), delivery)

	require.Equal(t, []models.EventType{
		models.EventSubtitleTranslateStarted,
		models.EventJobFailed,
	}, bus.types())

	var failed models.FailedPayload
	require.NoError(t, bus.published[1].DecodePayload(&failed))
	assert.Equal(t, string(models.ErrKindParse), failed.ErrorType)
	assert.Contains(t, failed.ErrorMessage, "episode.en.srt")
	dir := filepath.Dir(fx.task.SubtitleFilePath)
	assert.NotContains(t, failed.ErrorMessage, dir)
	assert.NotContains(t, failed.ErrorMessage, string(filepath.Separator)+"episode.en.srt")

	// The message stays path-free through the job record and the API copy.
	job := models.NewJob("job-1", "file:///media/episode.mkv", "Episode", "de")
	require.True(t, job.Fail(failed.ErrorType, failed.ErrorMessage))
	exposed := job.Sanitized()
	assert.NotContains(t, exposed.ErrorMessage, dir)
}

func TestWorkerShutdownRequeuesTask(t *testing.T) {
	worker, fx, _ := newWorkerFixture(t, 6, 30)
	ctx, cancel := context.WithCancel(context.Background())
	fx.translator.hook = func(int, []subtitle.Segment) error {
		cancel()
		return ctx.Err()
	}
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(ctx, delivery)

	assert.True(t, delivery.nacked)
	assert.True(t, delivery.requeued, "in-flight work goes back to the queue on shutdown")
	assert.False(t, delivery.acked)
}

func TestWorkerCompletionPublishFailureRequeues(t *testing.T) {
	worker, fx, bus := newWorkerFixture(t, 6, 60)
	bus.publishFn = func(env *models.Envelope) error {
		if env.EventType == models.EventSubtitleTranslated {
			return models.NewTransientError("broker gone", nil)
		}
		return nil
	}
	delivery := &fakeDelivery{body: taskBody(t, fx.task)}

	worker.handleDelivery(context.Background(), delivery)

	assert.False(t, delivery.acked, "ack only after both completion events publish")
	assert.True(t, delivery.nacked)
	assert.True(t, delivery.requeued)
	// translation.completed made it out before the failure.
	assert.Contains(t, bus.types(), models.EventTranslationCompleted)
}
