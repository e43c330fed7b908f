package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/model"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, filename string, data []byte) (model.Result, error) {
	args := m.Called(ctx, filename, data)
	return args.Get(0).(model.Result), args.Error(1)
}

func classified(filename string, l labels.Label, confidence float64) model.Result {
	return model.Result{Filename: filename, Label: l.String(), Confidence: &confidence}
}

func decodeFailure(filename string) model.Result {
	return model.Result{Filename: filename, Label: labels.ErrorMarker, Error: "cannot decode image/png"}
}

type recordingObserver struct {
	results []string
	status  string
}

func (r *recordingObserver) ObserveResult(label string, ok bool) { r.results = append(r.results, label) }
func (r *recordingObserver) ObserveBatch(status string, _ int, _ time.Duration) {
	r.status = status
}

func TestClassifyBatchPartialFailure(t *testing.T) {
	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "a.png", []byte("dog")).Return(classified("a.png", labels.Dog, 91.5), nil)
	clf.On("Classify", mock.Anything, "b.png", []byte("corrupt")).Return(decodeFailure("b.png"), nil)

	store := session.NewMemoryStore(0)
	obs := &recordingObserver{}
	engine := NewEngine(clf, store, nil, obs, 0)

	out, err := engine.ClassifyBatch(context.Background(), []Image{
		{Filename: "a.png", Data: []byte("dog")},
		{Filename: "b.png", Data: []byte("corrupt")},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, out.Results, 2)
	assert.Equal(t, "a.png", out.Results[0].Filename)
	assert.Equal(t, "dog", out.Results[0].Label)
	assert.Equal(t, "b.png", out.Results[1].Filename)
	assert.Equal(t, labels.ErrorMarker, out.Results[1].Label)
	assert.Equal(t, labels.Counts{labels.Dog: 1}, out.Counts)
	assert.Equal(t, []string{"dog", "error"}, obs.results)
	assert.Equal(t, "ok", obs.status)

	require.NotEmpty(t, out.SessionID)
	sess, err := store.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Count())
	assert.Equal(t, []session.File{{Name: "a.png", Data: []byte("dog")}}, sess.Files[labels.Dog])
	clf.AssertExpectations(t)
}

func TestClassifyBatchPreservesOrderAndCounts(t *testing.T) {
	clf := &mockClassifier{}
	want := []labels.Label{labels.Truck, labels.Cat, labels.Truck, labels.Ship, labels.Cat}
	var images []Image
	for i, l := range want {
		name := string(rune('a'+i)) + ".jpg"
		images = append(images, Image{Filename: name, Data: []byte(name)})
		clf.On("Classify", mock.Anything, name, mock.Anything).Return(classified(name, l, 50), nil)
	}

	out, err := NewEngine(clf, session.NewDisabledStore(), nil, nil, 0).
		ClassifyBatch(context.Background(), images, Options{})
	require.NoError(t, err)

	require.Len(t, out.Results, len(images))
	for i, res := range out.Results {
		assert.Equal(t, images[i].Filename, res.Filename)
		assert.Equal(t, want[i].String(), res.Label)
	}
	assert.Equal(t, len(images), out.Counts.Total())
	assert.Equal(t, labels.Counts{labels.Truck: 2, labels.Cat: 2, labels.Ship: 1}, out.Counts)
	assert.Empty(t, out.SessionID, "disabled storage never yields a session")
}

func TestClassifyBatchValidation(t *testing.T) {
	clf := &mockClassifier{}
	engine := NewEngine(clf, session.NewMemoryStore(0), nil, nil, 2)

	cases := map[string][]Image{
		"empty":        nil,
		"only blanks":  {{Filename: "", Data: []byte("x")}, {Filename: "  ", Data: []byte("y")}},
		"too many":     {{Filename: "a"}, {Filename: "b"}, {Filename: "c"}},
		"duplicate fn": {{Filename: "a.png"}, {Filename: "a.png"}},
	}
	for name, images := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.ClassifyBatch(context.Background(), images, Options{})
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	clf.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassifyBatchSkipsUnnamedFiles(t *testing.T) {
	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "a.png", mock.Anything).Return(classified("a.png", labels.Deer, 70), nil)

	out, err := NewEngine(clf, session.NewDisabledStore(), nil, nil, 0).ClassifyBatch(context.Background(),
		[]Image{{Filename: "", Data: []byte("x")}, {Filename: "a.png", Data: []byte("y")}}, Options{})
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
}

func TestClassifyBatchAppendsToExistingSession(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(0)
	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "cat.png", mock.Anything).Return(classified("cat.png", labels.Cat, 99), nil)
	engine := NewEngine(clf, store, nil, nil, 0)

	first, err := engine.ClassifyBatch(ctx, []Image{{Filename: "cat.png", Data: []byte("one")}}, Options{})
	require.NoError(t, err)

	second, err := engine.ClassifyBatch(ctx, []Image{{Filename: "cat.png", Data: []byte("two")}},
		Options{SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	sess, err := store.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []session.File{
		{Name: "cat.png", Data: []byte("one")},
		{Name: "cat_1.png", Data: []byte("two")},
	}, sess.Files[labels.Cat])
}

func TestClassifyBatchUnknownSessionFailsBeforeInference(t *testing.T) {
	clf := &mockClassifier{}
	engine := NewEngine(clf, session.NewMemoryStore(0), nil, nil, 0)

	_, err := engine.ClassifyBatch(context.Background(), []Image{{Filename: "a.png"}},
		Options{SessionID: session.NewID()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	clf.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassifyBatchModelLoadFailureIsFatal(t *testing.T) {
	loader := model.NewLoader(func(context.Context) (model.Model, error) {
		return nil, errors.New("no runtime")
	}, nil, nil)
	clf, err := model.NewClassifier(loader, model.DefaultMetadata(), labels.DefaultRules, nil)
	require.NoError(t, err)

	store := session.NewMemoryStore(0)
	obs := &recordingObserver{}
	_, err = NewEngine(clf, store, nil, obs, 0).ClassifyBatch(context.Background(), []Image{
		{Filename: "a.png", Data: whitePNG(t)},
		{Filename: "b.png", Data: whitePNG(t)},
	}, Options{})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, string(apperr.KindInternal), obs.status)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// secondCallFails answers dog except on its second forward pass.
type secondCallFails struct {
	calls atomic.Int32
}

func (m *secondCallFails) Infer([]float32) ([]float32, error) {
	if m.calls.Add(1) == 2 {
		return nil, errors.New("onnx run failed")
	}
	logits := make([]float32, 10)
	logits[5] = 4
	return logits, nil
}

func (*secondCallFails) Close() {}

func whitePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClassifyBatchIsolatesInferenceFailure(t *testing.T) {
	m := &secondCallFails{}
	loader := model.NewLoader(func(context.Context) (model.Model, error) { return m, nil }, nil, nil)
	clf, err := model.NewClassifier(loader, model.DefaultMetadata(), labels.DefaultRules, nil)
	require.NoError(t, err)

	store := session.NewMemoryStore(0)
	out, err := NewEngine(clf, store, nil, nil, 0).ClassifyBatch(context.Background(), []Image{
		{Filename: "a.png", Data: whitePNG(t)},
		{Filename: "b.png", Data: whitePNG(t)},
		{Filename: "c.png", Data: whitePNG(t)},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, out.Results, 3)
	assert.Equal(t, "dog", out.Results[0].Label)
	assert.Equal(t, labels.ErrorMarker, out.Results[1].Label)
	assert.Contains(t, out.Results[1].Error, "onnx run failed")
	assert.Equal(t, "dog", out.Results[2].Label)
	assert.Equal(t, labels.Counts{labels.Dog: 2}, out.Counts)

	sess, err := store.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Count())
}

func TestClassifyBatchTimeoutStoresNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "a.png", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(classified("a.png", labels.Bird, 80), nil)

	store := session.NewMemoryStore(0)
	_, err := NewEngine(clf, store, nil, nil, 0).
		ClassifyBatch(ctx, []Image{{Filename: "a.png"}, {Filename: "b.png"}}, Options{})
	assert.ErrorIs(t, err, apperr.ErrTimeout)

	clf.AssertNumberOfCalls(t, "Classify", 1)
	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "no partial session may be left behind")
}

type failingStore struct {
	*session.MemoryStore
	deleted []string
}

func (f *failingStore) Append(context.Context, string, labels.Label, string, []byte) (string, error) {
	return "", apperr.New(apperr.KindInternal, "session.Append", errors.New("disk full"))
}

func (f *failingStore) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.MemoryStore.Delete(ctx, id)
}

func TestClassifyBatchRemovesSessionOnStorageError(t *testing.T) {
	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "a.png", mock.Anything).Return(classified("a.png", labels.Horse, 60), nil)

	store := &failingStore{MemoryStore: session.NewMemoryStore(0)}
	_, err := NewEngine(clf, store, nil, nil, 0).
		ClassifyBatch(context.Background(), []Image{{Filename: "a.png"}}, Options{})
	require.Error(t, err)
	assert.Len(t, store.deleted, 1)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// cancelOnAppend ends the request while the first file is being written.
type cancelOnAppend struct {
	*session.MemoryStore
	cancel  context.CancelFunc
	deleted []string
}

func (c *cancelOnAppend) Append(ctx context.Context, id string, l labels.Label, name string, data []byte) (string, error) {
	c.cancel()
	return c.MemoryStore.Append(ctx, id, l, name, data)
}

func (c *cancelOnAppend) Delete(ctx context.Context, id string) error {
	c.deleted = append(c.deleted, id)
	return c.MemoryStore.Delete(ctx, id)
}

func TestClassifyBatchDeadlineDuringPersistRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clf := &mockClassifier{}
	clf.On("Classify", mock.Anything, "a.png", mock.Anything).Return(classified("a.png", labels.Frog, 70), nil)
	clf.On("Classify", mock.Anything, "b.png", mock.Anything).Return(classified("b.png", labels.Frog, 70), nil)

	store := &cancelOnAppend{MemoryStore: session.NewMemoryStore(0), cancel: cancel}
	_, err := NewEngine(clf, store, nil, nil, 0).
		ClassifyBatch(ctx, []Image{{Filename: "a.png"}, {Filename: "b.png"}}, Options{})
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Len(t, store.deleted, 1)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
