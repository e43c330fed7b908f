package model

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

type fakeModel struct {
	logits  []float32
	calls   atomic.Int32
	release chan struct{}
	closed  atomic.Bool
}

func (f *fakeModel) Infer(input []float32) ([]float32, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.logits, nil
}

func (f *fakeModel) Close() { f.closed.Store(true) }

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dogLogits() []float32 {
	logits := make([]float32, 10)
	logits[5] = 4
	return logits
}

func newTestClassifier(t *testing.T, m Model) *Classifier {
	t.Helper()
	loader := NewLoader(func(context.Context) (Model, error) { return m, nil }, nil, nil)
	c, err := NewClassifier(loader, DefaultMetadata(), labels.DefaultRules, nil)
	require.NoError(t, err)
	return c
}

func TestPreprocessNormalizesChannels(t *testing.T) {
	meta := DefaultMetadata()
	input, err := Preprocess(solidPNG(t, 8, 6, color.NRGBA{R: 255, A: 255}), meta)
	require.NoError(t, err)
	require.Len(t, input, meta.InputSize())

	plane := 32 * 32
	assert.InDelta(t, (1-0.4914)/0.2023, input[0], 0.02)
	assert.InDelta(t, (0-0.4822)/0.1994, input[plane], 0.02)
	assert.InDelta(t, (0-0.4465)/0.2010, input[2*plane+plane-1], 0.02)
}

func TestPreprocessRejectsNonImages(t *testing.T) {
	_, err := Preprocess([]byte("definitely not an image"), DefaultMetadata())
	assert.ErrorIs(t, err, apperr.ErrDecode)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "text/plain; charset=utf-8", decodeErr.MimeType)

	// PNG signature with a truncated body.
	_, err = Preprocess([]byte("\x89PNG\r\n\x1a\n\x00\x00"), DefaultMetadata())
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "image/png", decodeErr.MimeType)
}

func TestClassifyPredictsLabelWithPercentConfidence(t *testing.T) {
	c := newTestClassifier(t, &fakeModel{logits: dogLogits()})

	res, err := c.Classify(context.Background(), "a.png", solidPNG(t, 4, 4, color.White))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, labels.Dog, res.Class())
	require.NotNil(t, res.Confidence)
	// softmax(4 vs nine zeros) = e^4 / (e^4 + 9)
	assert.InDelta(t, 85.85, *res.Confidence, 0.01)
}

func TestClassifyDecodeFailureIsTaggedNotFatal(t *testing.T) {
	m := &fakeModel{logits: dogLogits()}
	c := newTestClassifier(t, m)

	res, err := c.Classify(context.Background(), "b.png", []byte("corrupt"))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, labels.ErrorMarker, res.Label)
	assert.Nil(t, res.Confidence)
	assert.NotEmpty(t, res.Error)
	assert.False(t, c.Ready(), "a bad image must not load the model")
	assert.Zero(t, m.calls.Load())
}

// flakyModel fails the forward pass on the listed call numbers (1-based).
type flakyModel struct {
	logits []float32
	failOn map[int32]bool
	calls  atomic.Int32
}

func (f *flakyModel) Infer([]float32) ([]float32, error) {
	if f.failOn[f.calls.Add(1)] {
		return nil, errors.New("onnx run failed")
	}
	return f.logits, nil
}

func (*flakyModel) Close() {}

func TestClassifyInferenceFailureIsTaggedNotFatal(t *testing.T) {
	m := &flakyModel{logits: dogLogits(), failOn: map[int32]bool{1: true}}
	c := newTestClassifier(t, m)
	img := solidPNG(t, 4, 4, color.White)

	res, err := c.Classify(context.Background(), "a.png", img)
	require.NoError(t, err)
	assert.Equal(t, labels.ErrorMarker, res.Label)
	assert.Nil(t, res.Confidence)
	assert.Contains(t, res.Error, "onnx run failed")

	res, err = c.Classify(context.Background(), "b.png", img)
	require.NoError(t, err)
	assert.Equal(t, labels.Dog, res.Class())
}

func TestClassifyShortOutputIsTaggedNotFatal(t *testing.T) {
	c := newTestClassifier(t, &fakeModel{logits: []float32{1, 2}})

	res, err := c.Classify(context.Background(), "a.png", solidPNG(t, 4, 4, color.White))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "2 outputs for 10 classes")
}

func TestClassifyHonorsContextDeadline(t *testing.T) {
	m := &fakeModel{logits: dogLogits(), release: make(chan struct{})}
	defer close(m.release)
	c := newTestClassifier(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Classify(ctx, "a.png", solidPNG(t, 4, 4, color.White))
	assert.ErrorIs(t, err, apperr.ErrTimeout)
}

func TestClassifyMapsForeignClassNames(t *testing.T) {
	meta := DefaultMetadata()
	meta.Classes = []string{"goldfish", "tabby", "airliner"}
	meta.OutputShape = []int64{1, 3}

	m := &fakeModel{logits: []float32{0, 3, 1}}
	loader := NewLoader(func(context.Context) (Model, error) { return m, nil }, nil, nil)
	c, err := NewClassifier(loader, meta, labels.DefaultRules, nil)
	require.NoError(t, err)

	res, err := c.Classify(context.Background(), "x.png", solidPNG(t, 2, 2, color.Black))
	require.NoError(t, err)
	assert.Equal(t, labels.Cat, res.Class())
}

func TestLoaderLoadsOnceAcrossConcurrentCallers(t *testing.T) {
	var opens atomic.Int32
	m := &fakeModel{}
	var observed atomic.Int32
	loader := NewLoader(func(context.Context) (Model, error) {
		opens.Add(1)
		time.Sleep(10 * time.Millisecond)
		return m, nil
	}, nil, func(time.Duration, error) { observed.Add(1) })

	assert.False(t, loader.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := loader.Get(context.Background())
			assert.NoError(t, err)
			assert.Same(t, m, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int32(1), observed.Load())
	assert.True(t, loader.Ready())

	loader.Close()
	assert.True(t, m.closed.Load())
	assert.False(t, loader.Ready())
}

func TestLoaderRetriesAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	loader := NewLoader(func(context.Context) (Model, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("library missing")
		}
		return &fakeModel{}, nil
	}, nil, nil)

	_, err := loader.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.False(t, loader.Ready())

	_, err = loader.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, loader.Ready())
}

func TestLoadMetadata(t *testing.T) {
	meta, err := LoadMetadata("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMetadata(), meta)

	meta, err = LoadMetadata(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "cifar10_resnet20", meta.ModelID)

	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model_id":"cifar10_resnet56","std":[0.247,0.2435,0.2616]}`), 0o600))
	meta, err = LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "cifar10_resnet56", meta.ModelID)
	assert.Equal(t, []float32{0.247, 0.2435, 0.2616}, meta.Std)
	assert.Equal(t, 32, meta.ImageSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"image_size":64}`), 0o600))
	_, err = LoadMetadata(path)
	assert.Error(t, err)
}
