package soundlens

import (
	"github.com/soundlens/soundlens/augment"
	"github.com/soundlens/soundlens/checkpoint"
	"github.com/soundlens/soundlens/mining"
	"github.com/soundlens/soundlens/similarity"
)

// EvalMode selects the per-epoch validation pass.
type EvalMode int

const (
	// EvalRetrieval scores cross-modal retrieval by Recall@K.
	EvalRetrieval EvalMode = iota

	// EvalLocalization scores source localization by CIoU.
	EvalLocalization
)

func (m EvalMode) String() string {
	switch m {
	case EvalRetrieval:
		return "retrieval"
	case EvalLocalization:
		return "localization"
	default:
		return "unknown"
	}
}

type options struct {
	logger      *Logger
	metrics     MetricsCollector
	collective  Collective
	engine      *similarity.Engine
	sampler     *mining.Sampler
	augmenter   augment.Augmenter
	checkpoints *checkpoint.Manager

	temperature   float32
	batchSize     int
	epochs        int
	progressEvery int

	evalMode EvalMode
	recallK  int
	mapSize  int
	labels   map[string][]string
}

// Option configures Trainer constructor behavior.
type Option func(*options)

// WithLogger configures the logger used by the training loop.
//
// If nil is passed, a rank-aware default logger is constructed.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector configures the metrics sink.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(c MetricsCollector) Option {
	return func(o *options) {
		if c == nil {
			c = NoopMetricsCollector{}
		}
		o.metrics = c
	}
}

// WithCollective configures the data-parallel boundary: worker rank
// and the startup barrier. The default is a single-worker collective
// with rank 0.
func WithCollective(c Collective) Option {
	return func(o *options) {
		o.collective = c
	}
}

// WithSimilarityEngine configures the tiled engine used for the
// evaluation similarity matrix.
func WithSimilarityEngine(e *similarity.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithHardPositives enables the hard-positive loss term, sampled from
// the given sampler each batch.
func WithHardPositives(s *mining.Sampler) Option {
	return func(o *options) {
		o.sampler = s
	}
}

// WithAugmenter enables the augmented-view loss term.
func WithAugmenter(a augment.Augmenter) Option {
	return func(o *options) {
		o.augmenter = a
	}
}

// WithCheckpoints enables resume and per-epoch checkpointing through
// the given manager. Without it the run is ephemeral.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(o *options) {
		o.checkpoints = m
	}
}

// WithTemperature configures the contrastive softmax temperature.
func WithTemperature(tau float32) Option {
	return func(o *options) {
		o.temperature = tau
	}
}

// WithBatchSize configures the training batch size.
func WithBatchSize(size int) Option {
	return func(o *options) {
		o.batchSize = size
	}
}

// WithEpochs configures the total number of epochs.
func WithEpochs(n int) Option {
	return func(o *options) {
		o.epochs = n
	}
}

// WithProgressEvery configures the progress line cadence. A line is
// always emitted for the final batch of an epoch.
func WithProgressEvery(n int) Option {
	return func(o *options) {
		o.progressEvery = n
	}
}

// WithRetrievalEval selects retrieval validation with the given
// recall cutoff.
func WithRetrievalEval(k int) Option {
	return func(o *options) {
		o.evalMode = EvalRetrieval
		o.recallK = k
	}
}

// WithLocalizationEval selects localization validation against the
// given id-to-label-set ground truth.
func WithLocalizationEval(labels map[string][]string) Option {
	return func(o *options) {
		o.evalMode = EvalLocalization
		o.labels = labels
	}
}

// WithHeatmapSize configures the localization heatmap edge length.
func WithHeatmapSize(size int) Option {
	return func(o *options) {
		o.mapSize = size
	}
}
