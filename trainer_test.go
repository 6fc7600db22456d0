package soundlens

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/soundlens/soundlens/blobstore"
	"github.com/soundlens/soundlens/blobstore/s3"
	"github.com/soundlens/soundlens/checkpoint"
	"github.com/soundlens/soundlens/dataset"
	"github.com/soundlens/soundlens/mining"
	"github.com/soundlens/soundlens/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughModel embeds samples by returning their raw tensors, so a
// test controls the embedding space through the data itself.
type passthroughModel struct {
	gradientSteps int
	lastViews     int

	state     []byte
	optimizer []byte

	restoredModel     []byte
	restoredOptimizer []byte
	restoreCalls      int
}

func (m *passthroughModel) ExtractFeatures(_ context.Context, visual, audio *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	return visual, audio, nil
}

func (m *passthroughModel) ApplyGradients(_ context.Context, visualGrads []*tensor.Dense, _ *tensor.Dense) error {
	m.gradientSteps++
	m.lastViews = len(visualGrads)
	return nil
}

func (m *passthroughModel) State() ([]byte, error) { return m.state, nil }

func (m *passthroughModel) OptimizerState() ([]byte, error) { return m.optimizer, nil }

func (m *passthroughModel) Restore(model, optimizer []byte) error {
	m.restoreCalls++
	m.restoredModel = model
	m.restoredOptimizer = optimizer
	return nil
}

// orthogonalSource yields n items whose visual and audio tensors are
// the same unit vector along axis i.
func orthogonalSource(t *testing.T, n, dim int) dataset.Source {
	t.Helper()
	require.GreaterOrEqual(t, dim, n)

	samples := make([]dataset.Sample, n)
	for i := range samples {
		vec := make([]float32, dim)
		vec[i] = 1

		visual, err := tensor.FromSlice(append([]float32(nil), vec...), dim)
		require.NoError(t, err)
		spec, err := tensor.FromSlice(append([]float32(nil), vec...), dim)
		require.NoError(t, err)

		samples[i] = dataset.Sample{
			Visual:      visual,
			Spectrogram: spec,
			ID:          fmt.Sprintf("item-%d", i),
		}
	}

	return dataset.NewSliceSource(samples)
}

func TestNewTrainerValidation(t *testing.T) {
	model := &passthroughModel{}
	src := orthogonalSource(t, 4, 4)

	_, err := NewTrainer(nil, src, src)
	assert.Error(t, err)

	_, err = NewTrainer(model, nil, src)
	assert.Error(t, err)

	_, err = NewTrainer(model, src, src, WithBatchSize(1))
	assert.ErrorIs(t, err, ErrDegenerateBatch)

	_, err = NewTrainer(model, src, src, WithEpochs(0))
	assert.Error(t, err)

	_, err = NewTrainer(model, src, src, WithLocalizationEval(nil))
	assert.Error(t, err)
}

func TestTrainerEndToEndRetrieval(t *testing.T) {
	// Four items on orthogonal axes: the validation similarity matrix
	// is the identity, so retrieval is perfect at every cutoff.
	model := &passthroughModel{state: []byte("weights"), optimizer: []byte("adam")}
	src := orthogonalSource(t, 4, 8)

	metrics := &BasicMetricsCollector{}
	tr, err := NewTrainer(model, src, src,
		WithBatchSize(4),
		WithEpochs(1),
		WithRetrievalEval(10),
		WithMetricsCollector(metrics),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Epochs, 1)
	assert.Equal(t, 0, res.StartEpoch)
	assert.Equal(t, 1.0, res.Epochs[0].Selection)
	assert.Equal(t, 1.0, res.Best["recall@10"])
	assert.True(t, res.Epochs[0].Improved)
	assert.Greater(t, res.Epochs[0].Loss, 0.0)

	assert.Equal(t, 1, model.gradientSteps)
	assert.Equal(t, 1, model.lastViews)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.BatchCount)
	assert.Equal(t, int64(1), stats.EvalCount)
}

func TestTrainerEndToEndLocalization(t *testing.T) {
	// Two classes on orthogonal axes: per-row median binarization
	// recovers the label ground truth exactly.
	samples := make([]dataset.Sample, 4)
	labels := map[string][]string{}
	for i := range samples {
		vec := make([]float32, 2)
		vec[i/2] = 1

		visual, err := tensor.FromSlice(append([]float32(nil), vec...), 2)
		require.NoError(t, err)
		spec, err := tensor.FromSlice(append([]float32(nil), vec...), 2)
		require.NoError(t, err)

		id := fmt.Sprintf("item-%d", i)
		labels[id] = []string{fmt.Sprintf("class-%d", i/2)}
		samples[i] = dataset.Sample{Visual: visual, Spectrogram: spec, ID: id}
	}
	src := dataset.NewSliceSource(samples)

	model := &passthroughModel{}
	tr, err := NewTrainer(model, src, src,
		WithBatchSize(4),
		WithEpochs(1),
		WithLocalizationEval(labels),
		WithHeatmapSize(8),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)
	assert.Equal(t, "ciou", tr.SelectionMetric())

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Epochs, 1)
	assert.Equal(t, 1.0, res.Best["ciou"])
	assert.Greater(t, res.Best["auc"], 0.9)
}

func TestTrainerPoolsSpatialEmbeddings(t *testing.T) {
	// Frames shaped [D, h, w] stack to [B, D, h, w]; the loop must
	// pool them to [B, D] before any similarity computation.
	samples := make([]dataset.Sample, 2)
	for i := range samples {
		data := make([]float32, 2*2*2)
		for j := range data[4*i : 4*i+4] {
			data[4*i+j] = 1
		}
		visual, err := tensor.FromSlice(data, 2, 2, 2)
		require.NoError(t, err)
		spec, err := tensor.FromSlice([]float32{float32(1 - i), float32(i)}, 2)
		require.NoError(t, err)

		samples[i] = dataset.Sample{Visual: visual, Spectrogram: spec, ID: fmt.Sprintf("s%d", i)}
	}
	src := dataset.NewSliceSource(samples)

	model := &passthroughModel{}
	tr, err := NewTrainer(model, src, src,
		WithBatchSize(2),
		WithEpochs(1),
		WithRetrievalEval(1),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Best["recall@1"])
}

func TestTrainerExtraViews(t *testing.T) {
	src := orthogonalSource(t, 4, 8)
	idx := mining.NewIndex(map[string]mining.Entry{
		"item-0": {Candidates: []int{1}},
	})

	metrics := &BasicMetricsCollector{}
	sampler := mining.NewSampler(idx, src, func(o *mining.Options) {
		o.OnMiss = metrics.RecordMiningMiss
	})

	model := &passthroughModel{}
	tr, err := NewTrainer(model, src, src,
		WithBatchSize(4),
		WithEpochs(1),
		WithHardPositives(sampler),
		WithMetricsCollector(metrics),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	// Original view plus the hard-positive view.
	assert.Equal(t, 2, model.lastViews)

	// Three of four items have no index entry.
	assert.Equal(t, int64(3), metrics.GetStats().MiningMisses)
}

func TestTrainerCheckpointRoundTrip(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ckpts := checkpoint.NewManager(store)
	src := orthogonalSource(t, 4, 8)

	model := &passthroughModel{state: []byte("weights-v1"), optimizer: []byte("adam-v1")}
	tr, err := NewTrainer(model, src, src,
		WithBatchSize(4),
		WithEpochs(1),
		WithRetrievalEval(10),
		WithCheckpoints(ckpts),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	latest, err := ckpts.LoadLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Epoch)
	assert.Equal(t, []byte("weights-v1"), latest.Model)
	assert.Equal(t, 1.0, latest.Best["recall@10"])

	best, err := ckpts.LoadBest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest.Best, best.Best)

	// A second trainer over the same store resumes past epoch 0.
	resumed := &passthroughModel{}
	tr2, err := NewTrainer(resumed, src, src,
		WithBatchSize(4),
		WithEpochs(2),
		WithRetrievalEval(10),
		WithCheckpoints(ckpts),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	res, err := tr2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.StartEpoch)
	assert.Len(t, res.Epochs, 1)
	assert.Equal(t, 1, resumed.restoreCalls)
	assert.Equal(t, []byte("weights-v1"), resumed.restoredModel)
	assert.Equal(t, []byte("adam-v1"), resumed.restoredOptimizer)
	assert.Equal(t, 1.0, res.Best["recall@10"])
}

func TestTrainerCorruptCheckpointIsFatal(t *testing.T) {
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), checkpoint.LatestName, []byte("garbage")))

	src := orthogonalSource(t, 4, 8)
	tr, err := NewTrainer(&passthroughModel{}, src, src,
		WithBatchSize(4),
		WithCheckpoints(checkpoint.NewManager(store)),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())

	var cl *ErrCheckpointLoad
	require.ErrorAs(t, err, &cl)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)
}

type failingCollective struct{}

func (failingCollective) Rank() int { return 1 }

func (failingCollective) Barrier(context.Context) error {
	return errors.New("process group lost")
}

func TestTrainerBarrierFailureIsFatal(t *testing.T) {
	src := orthogonalSource(t, 4, 8)
	tr, err := NewTrainer(&passthroughModel{}, src, src,
		WithBatchSize(4),
		WithCollective(failingCollective{}),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	assert.ErrorContains(t, err, "startup barrier")
}

func TestTrainerNonPrimaryRankSkipsCheckpoints(t *testing.T) {
	store := blobstore.NewMemoryStore()
	src := orthogonalSource(t, 4, 8)

	tr, err := NewTrainer(&passthroughModel{}, src, src,
		WithBatchSize(4),
		WithCheckpoints(checkpoint.NewManager(store)),
		WithCollective(rankOnlyCollective{rank: 1}),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

type rankOnlyCollective struct{ rank int }

func (c rankOnlyCollective) Rank() int { return c.rank }

func (rankOnlyCollective) Barrier(context.Context) error { return nil }

type casRegistry struct {
	entries []s3.BestEntry
	err     error
}

func (r *casRegistry) PublishBest(_ context.Context, entry s3.BestEntry) error {
	r.entries = append(r.entries, entry)
	return r.err
}

func TestTrainerBestGatedByRegistry(t *testing.T) {
	newTrainer := func(reg checkpoint.BestRegistry, store *blobstore.MemoryStore) *Trainer {
		mgr := checkpoint.NewManager(store, func(o *checkpoint.Options) {
			o.Registry = reg
			o.Experiment = "run-a"
		})
		tr, err := NewTrainer(
			&passthroughModel{state: []byte("w"), optimizer: []byte("o")},
			orthogonalSource(t, 4, 8), orthogonalSource(t, 4, 8),
			WithBatchSize(4),
			WithRetrievalEval(1),
			WithCheckpoints(mgr),
			WithLogger(NoopLogger()),
		)
		require.NoError(t, err)
		return tr
	}

	t.Run("Wins", func(t *testing.T) {
		store := blobstore.NewMemoryStore()
		reg := &casRegistry{}

		res, err := newTrainer(reg, store).Run(context.Background())
		require.NoError(t, err)

		assert.True(t, res.Epochs[0].Improved)
		require.Len(t, reg.entries, 1)
		assert.Equal(t, "run-a", reg.entries[0].Experiment)
		assert.Equal(t, 1, reg.entries[0].Epoch)
		assert.InDelta(t, 1.0, reg.entries[0].Metric, 1e-9)

		_, err = store.Open(context.Background(), checkpoint.BestName)
		assert.NoError(t, err)
	})

	t.Run("Loses", func(t *testing.T) {
		// Another run already holds a better metric: the epoch is
		// demoted and best.ckpt stays whatever that run wrote.
		store := blobstore.NewMemoryStore()
		reg := &casRegistry{err: s3.ErrNotImproved}

		res, err := newTrainer(reg, store).Run(context.Background())
		require.NoError(t, err)

		assert.False(t, res.Epochs[0].Improved)
		_, err = store.Open(context.Background(), checkpoint.BestName)
		assert.ErrorIs(t, err, blobstore.ErrNotFound)

		// latest is still this run's record.
		_, err = store.Open(context.Background(), checkpoint.LatestName)
		assert.NoError(t, err)
	})
}

func TestTrainerDegenerateBatchIsFatal(t *testing.T) {
	// Batch size 2 over 3 items leaves a final 1-sample batch, which
	// must fail loudly instead of silently computing a 1-class loss.
	src := orthogonalSource(t, 3, 4)
	tr, err := NewTrainer(&passthroughModel{}, src, nil,
		WithBatchSize(2),
		WithLogger(NoopLogger()),
	)
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrDegenerateBatch)
}

func TestEvalModeString(t *testing.T) {
	assert.Equal(t, "retrieval", EvalRetrieval.String())
	assert.Equal(t, "localization", EvalLocalization.String())
}
