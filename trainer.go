// Package soundlens trains and evaluates two-tower audio-visual
// embedding models with a contrastive objective. The embedding network
// itself stays behind the Model boundary; the package owns the batch
// loop, the positive-view construction, the evaluation passes, and
// checkpointing.
package soundlens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soundlens/soundlens/augment"
	"github.com/soundlens/soundlens/blobstore"
	"github.com/soundlens/soundlens/blobstore/s3"
	"github.com/soundlens/soundlens/checkpoint"
	"github.com/soundlens/soundlens/dataset"
	"github.com/soundlens/soundlens/eval"
	"github.com/soundlens/soundlens/loss"
	"github.com/soundlens/soundlens/meter"
	"github.com/soundlens/soundlens/mining"
	"github.com/soundlens/soundlens/similarity"
	"github.com/soundlens/soundlens/tensor"
)

// Model is the embedding network boundary. Embeddings come back as
// [B, D], or as [B, D, h, w] feature maps that the loop mean-pools
// before any similarity computation.
type Model interface {
	ExtractFeatures(ctx context.Context, visual, audio *tensor.Dense) (*tensor.Dense, *tensor.Dense, error)
}

// TrainableModel extends Model with the pieces training needs: the
// backward/optimizer step and opaque state for checkpointing. Gradient
// averaging across data-parallel workers happens inside
// ApplyGradients, invisible to the loop.
type TrainableModel interface {
	Model

	// ApplyGradients consumes the loss gradients for one batch:
	// one visual gradient per view, in view order, and the
	// accumulated audio gradient.
	ApplyGradients(ctx context.Context, visualGrads []*tensor.Dense, audioGrad *tensor.Dense) error

	// State and OptimizerState serialize the current weights and
	// optimizer for a checkpoint record.
	State() ([]byte, error)
	OptimizerState() ([]byte, error)

	// Restore replaces the model and optimizer state from a record.
	Restore(model, optimizer []byte) error
}

// Collective is the data-parallel process-group boundary. Collective
// failures are fatal and propagate immediately; the loop does not
// retry.
type Collective interface {
	// Rank returns this worker's rank. Rank 0 writes checkpoints.
	Rank() int

	// Barrier blocks until all workers arrive. The loop calls it once
	// after startup so no worker trains against a half-formed group.
	Barrier(ctx context.Context) error
}

// SingleWorker is the Collective of an undistributed run.
type SingleWorker struct{}

func (SingleWorker) Rank() int { return 0 }

func (SingleWorker) Barrier(context.Context) error { return nil }

// EpochResult carries one epoch's outcomes.
type EpochResult struct {
	Epoch     int
	Loss      float64
	Eval      map[string]float64
	Selection float64
	Improved  bool
}

// RunResult summarizes a completed run.
type RunResult struct {
	StartEpoch int
	Epochs     []EpochResult
	Best       map[string]float64
}

// Trainer drives the synchronous per-worker training loop: extract
// embeddings, build the positive views, compute the contrastive loss,
// step the model, evaluate each epoch, and checkpoint on rank 0.
type Trainer struct {
	model TrainableModel
	train dataset.Source
	val   dataset.Source

	logger      *Logger
	metrics     MetricsCollector
	collective  Collective
	sampler     *mining.Sampler
	augmenter   augment.Augmenter
	checkpoints *checkpoint.Manager

	temperature   float32
	batchSize     int
	epochs        int
	progressEvery int

	evalMode EvalMode
	recallK  int
	labels   map[string][]string
	locEval  *eval.LocalizationEvaluator
	retEval  *eval.RetrievalEvaluator

	lossMeter *meter.Meter
	timeMeter *meter.Meter
}

// NewTrainer creates a Trainer. train is required; val may be nil for
// a run without evaluation (and therefore without a best checkpoint).
func NewTrainer(model TrainableModel, train, val dataset.Source, optFns ...Option) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("soundlens: model is required")
	}
	if train == nil {
		return nil, errors.New("soundlens: training source is required")
	}

	opts := options{
		temperature:   loss.DefaultTemperature,
		batchSize:     128,
		epochs:        1,
		progressEvery: 10,
		evalMode:      EvalRetrieval,
		recallK:       10,
		mapSize:       eval.DefaultMapSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.collective == nil {
		opts.collective = SingleWorker{}
	}
	if opts.logger == nil {
		opts.logger = NewRankLogger(nil, opts.collective.Rank())
	}
	if opts.metrics == nil {
		opts.metrics = NoopMetricsCollector{}
	}
	if opts.engine == nil {
		opts.engine = similarity.NewEngine(func(o *similarity.Options) {
			o.BlockSize = opts.batchSize
		})
	}
	if opts.batchSize < 2 {
		return nil, fmt.Errorf("soundlens: %w: batch size %d", ErrDegenerateBatch, opts.batchSize)
	}
	if opts.epochs < 1 {
		return nil, fmt.Errorf("soundlens: invalid epoch count %d", opts.epochs)
	}
	if opts.evalMode == EvalLocalization && opts.labels == nil {
		return nil, errors.New("soundlens: localization evaluation requires labels")
	}

	t := &Trainer{
		model:         model,
		train:         train,
		val:           val,
		logger:        opts.logger,
		metrics:       opts.metrics,
		collective:    opts.collective,
		sampler:       opts.sampler,
		augmenter:     opts.augmenter,
		checkpoints:   opts.checkpoints,
		temperature:   opts.temperature,
		batchSize:     opts.batchSize,
		epochs:        opts.epochs,
		progressEvery: opts.progressEvery,
		evalMode:      opts.evalMode,
		recallK:       opts.recallK,
		labels:        opts.labels,
		lossMeter:     meter.New("loss", "%.4f"),
		timeMeter:     meter.New("time", "%.3f"),
	}

	switch opts.evalMode {
	case EvalLocalization:
		t.locEval = eval.NewLocalizationEvaluator(func(o *eval.LocalizationOptions) {
			o.Engine = opts.engine
			o.MapSize = opts.mapSize
		})
	case EvalRetrieval:
		t.retEval = eval.NewRetrievalEvaluator(func(o *eval.RetrievalOptions) {
			o.Engine = opts.engine
			o.K = opts.recallK
		})
	default:
		return nil, fmt.Errorf("soundlens: unknown evaluation mode %d", opts.evalMode)
	}

	return t, nil
}

// SelectionMetric returns the name of the scalar that decides the best
// checkpoint.
func (t *Trainer) SelectionMetric() string {
	if t.evalMode == EvalLocalization {
		return "ciou"
	}

	return fmt.Sprintf("recall@%d", t.recallK)
}

// Run executes the loop: resume from the latest checkpoint if one
// exists, synchronize the workers, then train and evaluate epoch by
// epoch. Epoch boundaries are the unit of safe interruption; a
// checkpoint has just been written when one completes.
func (t *Trainer) Run(ctx context.Context) (*RunResult, error) {
	startEpoch, best, err := t.resume(ctx)
	if err != nil {
		return nil, err
	}

	if err := t.collective.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("soundlens: startup barrier: %w", err)
	}

	result := &RunResult{StartEpoch: startEpoch, Best: best}
	for epoch := startEpoch; epoch < t.epochs; epoch++ {
		avgLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			t.logger.LogEpoch(ctx, epoch, 0, err)
			return nil, err
		}
		t.logger.LogEpoch(ctx, epoch, avgLoss, nil)

		er := EpochResult{Epoch: epoch, Loss: avgLoss}
		if t.val != nil {
			scalars, selection, err := t.evaluate(ctx)
			if err != nil {
				t.logger.LogEvaluation(ctx, epoch, nil, err)
				return nil, err
			}
			t.logger.LogEvaluation(ctx, epoch, scalars, nil)

			er.Eval = scalars
			er.Selection = selection
			er.Improved = selection >= best[t.SelectionMetric()]
			if er.Improved {
				for name, v := range scalars {
					best[name] = v
				}
			}
		}

		improved, err := t.saveCheckpoints(ctx, epoch, best, er.Improved)
		if err != nil {
			return nil, err
		}
		er.Improved = improved

		result.Epochs = append(result.Epochs, er)
	}

	return result, nil
}

// resume restores (start epoch, best metrics) from the latest
// checkpoint. A missing record starts fresh; anything else wrong with
// it is fatal.
func (t *Trainer) resume(ctx context.Context) (int, map[string]float64, error) {
	best := make(map[string]float64)
	if t.checkpoints == nil {
		return 0, best, nil
	}

	rec, err := t.checkpoints.LoadLatest(ctx)
	if errors.Is(err, blobstore.ErrNotFound) {
		return 0, best, nil
	}
	if err != nil {
		return 0, nil, &ErrCheckpointLoad{Name: checkpoint.LatestName, cause: err}
	}

	if err := t.model.Restore(rec.Model, rec.Optimizer); err != nil {
		return 0, nil, &ErrCheckpointLoad{Name: checkpoint.LatestName, cause: err}
	}
	for name, v := range rec.Best {
		best[name] = v
	}
	t.logger.LogResume(ctx, rec.Epoch, best)

	return rec.Epoch, best, nil
}

// saveCheckpoints writes the epoch's records on rank 0 and returns the
// effective improvement decision: a best write that loses the
// registry's compare-and-set to another run demotes improved instead
// of failing.
func (t *Trainer) saveCheckpoints(ctx context.Context, epoch int, best map[string]float64, improved bool) (bool, error) {
	if t.checkpoints == nil || t.collective.Rank() != 0 {
		return improved, nil
	}

	state, err := t.model.State()
	if err != nil {
		return false, fmt.Errorf("soundlens: serialize model: %w", err)
	}
	optState, err := t.model.OptimizerState()
	if err != nil {
		return false, fmt.Errorf("soundlens: serialize optimizer: %w", err)
	}

	rec := &checkpoint.Record{
		Model:     state,
		Optimizer: optState,
		Epoch:     epoch + 1,
		Best:      best,
	}

	start := time.Now()
	err = t.checkpoints.SaveLatest(ctx, rec)
	t.metrics.RecordCheckpoint(checkpoint.LatestName, time.Since(start), err)
	t.logger.LogCheckpoint(ctx, checkpoint.LatestName, epoch, err)
	if err != nil {
		return false, fmt.Errorf("soundlens: save latest checkpoint: %w", err)
	}

	if improved {
		start = time.Now()
		err = t.checkpoints.SaveBest(ctx, rec, t.SelectionMetric())
		if errors.Is(err, s3.ErrNotImproved) {
			t.logger.WithEpoch(epoch).InfoContext(ctx, "best checkpoint kept by another run")
			return false, nil
		}
		t.metrics.RecordCheckpoint(checkpoint.BestName, time.Since(start), err)
		t.logger.LogCheckpoint(ctx, checkpoint.BestName, epoch, err)
		if err != nil {
			return false, fmt.Errorf("soundlens: save best checkpoint: %w", err)
		}
	}

	return improved, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	it, err := t.train.Batches(ctx, t.batchSize)
	if err != nil {
		return 0, fmt.Errorf("soundlens: open training batches: %w", err)
	}

	numBatches := (t.train.Len() + t.batchSize - 1) / t.batchSize
	t.lossMeter.Reset()
	t.timeMeter.Reset()
	progress := meter.NewProgress(t.logger.Logger, numBatches, fmt.Sprintf("Epoch: [%d]", epoch), t.timeMeter, t.lossMeter)

	batchIdx := 0
	for {
		b, err := it.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("soundlens: next batch: %w", err)
		}
		if b == nil {
			break
		}

		start := time.Now()
		value, err := t.trainBatch(ctx, b)
		if err != nil {
			return 0, translateError(err)
		}
		dur := time.Since(start)

		t.lossMeter.Update(value, float64(b.Size()))
		t.timeMeter.Update(dur.Seconds(), 1)
		t.metrics.RecordBatch(value, dur)

		batchIdx++
		if batchIdx == numBatches || (t.progressEvery > 0 && batchIdx%t.progressEvery == 0) {
			progress.Display(batchIdx)
		}
	}

	if t.lossMeter.Count() == 0 {
		return 0, errors.New("soundlens: training source produced no batches")
	}

	return t.lossMeter.Average(), nil
}

func (t *Trainer) trainBatch(ctx context.Context, b *dataset.Batch) (float64, error) {
	if b.Size() < 2 {
		return 0, fmt.Errorf("%w: got %d samples", ErrDegenerateBatch, b.Size())
	}

	visuals, err := b.Visuals()
	if err != nil {
		return 0, err
	}
	specs, err := b.Spectrograms()
	if err != nil {
		return 0, err
	}

	vEmb, aEmb, err := t.extractPooled(ctx, visuals, specs)
	if err != nil {
		return 0, err
	}

	views := []*tensor.Dense{vEmb}
	if t.sampler != nil {
		hard, _, err := t.sampler.SampleViews(ctx, b)
		if err != nil {
			return 0, err
		}
		hEmb, _, err := t.extractPooled(ctx, hard, specs)
		if err != nil {
			return 0, err
		}
		views = append(views, hEmb)
	}
	if t.augmenter != nil {
		augmented, err := t.augmenter.Augment(visuals)
		if err != nil {
			return 0, err
		}
		gEmb, _, err := t.extractPooled(ctx, augmented, specs)
		if err != nil {
			return 0, err
		}
		views = append(views, gEmb)
	}

	res, err := loss.Contrastive(views, aEmb, func(o *loss.Options) {
		o.Temperature = t.temperature
	})
	if err != nil {
		return 0, err
	}

	if err := t.model.ApplyGradients(ctx, res.VisualGrads, res.AudioGrad); err != nil {
		return 0, fmt.Errorf("soundlens: apply gradients: %w", err)
	}

	return float64(res.Value), nil
}

// extractPooled runs the model and mean-pools 4-D feature maps down to
// [B, D].
func (t *Trainer) extractPooled(ctx context.Context, visual, audio *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	vEmb, aEmb, err := t.model.ExtractFeatures(ctx, visual, audio)
	if err != nil {
		return nil, nil, fmt.Errorf("soundlens: extract features: %w", err)
	}

	vEmb, err = tensor.MeanPoolSpatial(vEmb)
	if err != nil {
		return nil, nil, err
	}
	aEmb, err = tensor.MeanPoolSpatial(aEmb)
	if err != nil {
		return nil, nil, err
	}

	return vEmb, aEmb, nil
}

// evaluate runs the configured read-only validation pass and returns
// its named scalars plus the checkpoint-selection value.
func (t *Trainer) evaluate(ctx context.Context) (map[string]float64, float64, error) {
	if t.val.Len() == 0 {
		return nil, 0, ErrNoValidationData
	}

	start := time.Now()

	it, err := t.val.Batches(ctx, t.batchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("soundlens: open validation batches: %w", err)
	}

	if t.locEval != nil {
		t.locEval.Reset()
	}
	if t.retEval != nil {
		t.retEval.Reset()
	}

	for {
		b, err := it.Next(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("soundlens: next validation batch: %w", err)
		}
		if b == nil {
			break
		}

		visuals, err := b.Visuals()
		if err != nil {
			return nil, 0, err
		}
		specs, err := b.Spectrograms()
		if err != nil {
			return nil, 0, err
		}
		vEmb, aEmb, err := t.extractPooled(ctx, visuals, specs)
		if err != nil {
			return nil, 0, err
		}

		if t.locEval != nil {
			err = t.locEval.Add(vEmb, aEmb, b.IDs())
		} else {
			err = t.retEval.Add(vEmb, aEmb)
		}
		if err != nil {
			return nil, 0, err
		}
	}

	var scalars map[string]float64
	var selection float64
	if t.locEval != nil {
		res, err := t.locEval.Evaluate(ctx, t.labels)
		if err != nil {
			return nil, 0, err
		}
		scalars = map[string]float64{
			"ciou":      res.Success,
			"auc":       res.AUC,
			"mean_ciou": res.MeanCIoU,
		}
		selection = res.Success
	} else {
		res, err := t.retEval.Evaluate(ctx)
		if err != nil {
			return nil, 0, err
		}
		scalars = map[string]float64{t.SelectionMetric(): res.Recall}
		selection = res.Recall
	}

	t.metrics.RecordEvaluation(scalars, time.Since(start))

	return scalars, selection, nil
}
