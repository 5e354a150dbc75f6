// Package train runs data-parallel training of a model.GPT.
//
// Each device owns a replica of the training state and processes one shard
// of every batch in its own goroutine. With SyncAllReduce the devices hand
// their gradients to a reducer, which averages them and broadcasts the
// result back before every device applies the same optimizer update.
package train

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/checkpoint"
	"github.com/samcharles93/moegpt/internal/logger"
	"github.com/samcharles93/moegpt/internal/model"
	"github.com/samcharles93/moegpt/internal/nn"
)

var (
	ErrInvalidOptions = errors.New("invalid training options")
	ErrBatchShape     = errors.New("batch shape mismatch")
	ErrEmptyLoader    = errors.New("loader yielded no batches")
)

// SyncMode selects how replicas are kept consistent.
type SyncMode string

const (
	// SyncAllReduce averages gradients across devices before every update.
	SyncAllReduce SyncMode = "allreduce"
	// SyncNone lets every device apply its own gradients. Replicas drift
	// apart whenever their shards differ.
	SyncNone SyncMode = "none"
)

// SavePolicy selects when Train persists parameters after validation.
type SavePolicy string

const (
	// SaveAlways writes the weights after every validation pass.
	SaveAlways SavePolicy = "always"
	// SaveImproved writes them only when the validation loss improves.
	SaveImproved SavePolicy = "improved"
)

const defaultLearningRate = 1e-5

// Options configures a Trainer.
type Options struct {
	// WeightsFile receives the parameters on every save.
	WeightsFile  string
	LearningRate float64
	// ParamsPath, when set, seeds training from a saved checkpoint.
	ParamsPath string
	Devices    int
	Seed       int64
	// InputShape, when set, is the (batch, seq) shape every batch must have.
	InputShape []int
	Sync       SyncMode
	SavePolicy SavePolicy
	// SaveDType is the checkpoint element type. Empty means F32.
	SaveDType checkpoint.DType
	// Metadata is copied into every checkpoint header.
	Metadata  map[string]string
	Optimizer Optimizer
	Logger    logger.Logger
	Recorder  EpochRecorder
	RunID     string
}

func (o Options) withDefaults() Options {
	if o.LearningRate == 0 {
		o.LearningRate = defaultLearningRate
	}
	if o.Devices == 0 {
		o.Devices = 1
	}
	if o.Sync == "" {
		o.Sync = SyncAllReduce
	}
	if o.SavePolicy == "" {
		o.SavePolicy = SaveAlways
	}
	if o.Optimizer == nil {
		o.Optimizer = NewAdam(o.LearningRate)
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.WeightsFile == "":
		return fmt.Errorf("%w: weights file is required", ErrInvalidOptions)
	case o.Devices < 0:
		return fmt.Errorf("%w: devices must be positive, got %d", ErrInvalidOptions, o.Devices)
	case o.LearningRate < 0:
		return fmt.Errorf("%w: negative learning rate %v", ErrInvalidOptions, o.LearningRate)
	case o.Sync != SyncAllReduce && o.Sync != SyncNone:
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidOptions, o.Sync)
	case o.SavePolicy != SaveAlways && o.SavePolicy != SaveImproved:
		return fmt.Errorf("%w: unknown save policy %q", ErrInvalidOptions, o.SavePolicy)
	case len(o.InputShape) != 0 && len(o.InputShape) != 2:
		return fmt.Errorf("%w: input shape must be (batch, seq), got %v", ErrInvalidOptions, o.InputShape)
	case len(o.InputShape) == 2 && o.InputShape[0]%o.Devices != 0:
		return fmt.Errorf("%w: batch %d is not divisible by %d devices", ErrInvalidOptions, o.InputShape[0], o.Devices)
	}
	return nil
}

// TrainState is one replica's parameters and optimizer state.
type TrainState struct {
	Step   int
	Params *nn.Params
	Opt    OptState
}

func (s TrainState) clone() TrainState {
	return TrainState{Step: s.Step, Params: s.Params.Clone(), Opt: s.Opt.clone()}
}

// Trainer owns the replicated training state.
type Trainer struct {
	gpt       *model.GPT
	opts      Options
	log       logger.Logger
	states    []TrainState
	numParams int
	best      float64
}

// New initialises parameters from opts.Seed, or loads them from
// opts.ParamsPath, and replicates the training state onto every device.
func New(gpt *model.GPT, opts Options) (*Trainer, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t := &Trainer{
		gpt:  gpt,
		opts: opts,
		log:  opts.Logger.With("run", opts.RunID),
		best: math.Inf(1),
	}

	params := gpt.Init(rand.New(rand.NewSource(opts.Seed)))
	if opts.ParamsPath != "" {
		loaded, err := t.LoadParams(opts.ParamsPath)
		if err != nil {
			return nil, fmt.Errorf("load params: %w", err)
		}
		params = loaded
	}
	t.numParams = params.Count()
	t.log.Info("accelerators", "devices", opts.Devices, "sync", string(opts.Sync))
	t.log.Info("parameters", "count", t.numParams, "tensors", params.Len())

	state := TrainState{Params: params, Opt: opts.Optimizer.Init(params)}
	t.states = make([]TrainState, opts.Devices)
	t.states[0] = state
	for d := 1; d < opts.Devices; d++ {
		t.states[d] = state.clone()
	}
	return t, nil
}

// NumParams returns the number of scalar parameters.
func (t *Trainer) NumParams() int { return t.numParams }

// Devices returns the replica count.
func (t *Trainer) Devices() int { return len(t.states) }

// RunID identifies this run in logs and the journal.
func (t *Trainer) RunID() string { return t.opts.RunID }

// BestValLoss returns the lowest validation loss seen so far, or +Inf.
func (t *Trainer) BestValLoss() float64 { return t.best }

// Replicas returns every device's state. The states must not be modified.
func (t *Trainer) Replicas() []TrainState { return t.states }

// State returns one device's state.
func (t *Trainer) State(device int) TrainState { return t.states[device] }

// ReplicasInSync reports whether every replica is bit-identical to device 0.
func (t *Trainer) ReplicasInSync() bool {
	ref := t.states[0]
	for _, s := range t.states[1:] {
		if s.Step != ref.Step || !nn.Equal(s.Params, ref.Params) || !s.Opt.equal(ref.Opt) {
			return false
		}
	}
	return true
}

// shard splits b into one contiguous block of rows per device.
func (t *Trainer) shard(b Batch) ([]Batch, error) {
	n := b.Size()
	if n == 0 || len(b.Targets) != n {
		return nil, fmt.Errorf("%w: %d input rows, %d target rows", ErrBatchShape, n, len(b.Targets))
	}
	if s := t.opts.InputShape; len(s) == 2 {
		if n != s[0] || len(b.Inputs[0]) != s[1] {
			return nil, fmt.Errorf("%w: batch is %dx%d, want %dx%d", ErrBatchShape, n, len(b.Inputs[0]), s[0], s[1])
		}
	}
	devices := len(t.states)
	if n%devices != 0 {
		return nil, fmt.Errorf("%w: batch of %d rows is not divisible by %d devices", ErrBatchShape, n, devices)
	}
	per := n / devices
	out := make([]Batch, devices)
	for d := range out {
		out[d] = Batch{
			Inputs:  b.Inputs[d*per : (d+1)*per],
			Targets: b.Targets[d*per : (d+1)*per],
		}
	}
	return out, nil
}

// dropoutRng derives the dropout stream of one device at one step.
func (t *Trainer) dropoutRng(device, step int) *rand.Rand {
	seed := t.opts.Seed*1_000_003 + int64(step)*7919 + int64(device) + 1
	return rand.New(rand.NewSource(seed))
}

type gradMsg struct {
	device int
	grads  *nn.Params
}

// TrainStep runs one synchronised step over b and returns the mean device
// loss. The replicas are replaced only if every device succeeds.
func (t *Trainer) TrainStep(ctx context.Context, b Batch) (float64, error) {
	shards, err := t.shard(b)
	if err != nil {
		return 0, err
	}
	devices := len(t.states)
	next := make([]TrainState, devices)
	losses := make([]float64, devices)

	g, gctx := errgroup.WithContext(ctx)

	var collect chan gradMsg
	var broadcast []chan *nn.Params
	if t.opts.Sync == SyncAllReduce {
		collect = make(chan gradMsg, devices)
		broadcast = make([]chan *nn.Params, devices)
		for d := range broadcast {
			broadcast[d] = make(chan *nn.Params, 1)
		}
		g.Go(func() error { return reduce(gctx, collect, broadcast) })
	}

	for d := range devices {
		g.Go(func() error {
			state := t.states[d]
			binding := nn.Bind(state.Params, true)
			loss, err := t.gpt.Loss(binding, shards[d].Inputs, shards[d].Targets, model.ForwardOptions{
				Rng: t.dropoutRng(d, state.Step),
			})
			if err != nil {
				return fmt.Errorf("device %d: %w", d, err)
			}
			if err := autograd.Backward(loss); err != nil {
				return fmt.Errorf("device %d: %w", d, err)
			}
			losses[d] = float64(loss.Value.Data[0])
			grads := binding.Grads()

			if collect != nil {
				select {
				case collect <- gradMsg{device: d, grads: grads}:
				case <-gctx.Done():
					return gctx.Err()
				}
				select {
				case grads = <-broadcast[d]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			params, opt, err := t.opts.Optimizer.Update(state.Params, grads, state.Opt)
			if err != nil {
				return fmt.Errorf("device %d: %w", d, err)
			}
			next[d] = TrainState{Step: state.Step + 1, Params: params, Opt: opt}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	t.states = next

	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum / float64(devices), nil
}

// reduce collects one gradient tree per device, averages them in device
// order and sends the shared result to every device.
func reduce(ctx context.Context, collect <-chan gradMsg, broadcast []chan *nn.Params) error {
	received := make([]*nn.Params, len(broadcast))
	for range broadcast {
		select {
		case msg := <-collect:
			received[msg.device] = msg.grads
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	mean := received[0].Clone()
	for _, g := range received[1:] {
		if err := mean.AddScaled(1, g); err != nil {
			return fmt.Errorf("all-reduce: %w", err)
		}
	}
	mean.Scale(1 / float32(len(received)))
	for _, ch := range broadcast {
		ch <- mean
	}
	return nil
}

// Evaluate returns the mean loss over loader without dropout or updates.
func (t *Trainer) Evaluate(ctx context.Context, loader Loader) (float64, error) {
	var total float64
	var count int
	for b := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := t.evalStep(ctx, b)
		if err != nil {
			return 0, err
		}
		total += loss
		count++
	}
	if count == 0 {
		return 0, ErrEmptyLoader
	}
	return total / float64(count), nil
}

func (t *Trainer) evalStep(ctx context.Context, b Batch) (float64, error) {
	shards, err := t.shard(b)
	if err != nil {
		return 0, err
	}
	losses := make([]float64, len(shards))
	g, _ := errgroup.WithContext(ctx)
	for d := range shards {
		g.Go(func() error {
			binding := nn.Bind(t.states[d].Params, false)
			loss, err := t.gpt.Loss(binding, shards[d].Inputs, shards[d].Targets, model.ForwardOptions{})
			if err != nil {
				return fmt.Errorf("device %d: %w", d, err)
			}
			losses[d] = float64(loss.Value.Data[0])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum / float64(len(losses)), nil
}

// Train runs epochs passes over loader. When val is non-nil every epoch ends
// with an evaluation, after which the weights are saved according to the
// save policy.
func (t *Trainer) Train(ctx context.Context, loader Loader, epochs int, val Loader) error {
	if rec := t.opts.Recorder; rec != nil {
		if err := rec.StartRun(ctx, t.runInfo()); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		var total float64
		var count int
		for b := range loader.Batches() {
			if err := ctx.Err(); err != nil {
				return err
			}
			loss, err := t.TrainStep(ctx, b)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, count+1, err)
			}
			total += loss
			count++
		}
		if count == 0 {
			return ErrEmptyLoader
		}
		rec := EpochRecord{
			RunID:     t.opts.RunID,
			Epoch:     epoch,
			Steps:     count,
			TrainLoss: total / float64(count),
		}
		t.log.Info("epoch complete", "epoch", epoch, "train_loss", rec.TrainLoss)

		if val != nil {
			valLoss, err := t.Evaluate(ctx, val)
			if err != nil {
				return fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			rec.ValLoss = &valLoss
			improved := valLoss < t.best
			if improved {
				t.best = valLoss
			}
			t.log.Info("validation", "epoch", epoch, "val_loss", valLoss, "best", t.best, "improved", improved)
			if improved || t.opts.SavePolicy == SaveAlways {
				if err := t.SaveParams(); err != nil {
					return fmt.Errorf("epoch %d: %w", epoch, err)
				}
				rec.Saved = true
			}
		}
		rec.Duration = time.Since(start)
		if r := t.opts.Recorder; r != nil {
			if err := r.RecordEpoch(ctx, rec); err != nil {
				return fmt.Errorf("record epoch %d: %w", epoch, err)
			}
		}
	}
	return nil
}

// SaveParams writes device 0's parameters to the weights file.
func (t *Trainer) SaveParams() error {
	s := t.states[0]
	meta := maps.Clone(t.opts.Metadata)
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta["run_id"] = t.opts.RunID
	meta["step"] = strconv.Itoa(s.Step)
	err := checkpoint.Save(t.opts.WeightsFile, s.Params, checkpoint.SaveOptions{
		DType:    t.opts.SaveDType,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	t.log.Info("saved parameters", "path", t.opts.WeightsFile, "step", s.Step)
	return nil
}

// LoadParams reads a checkpoint and checks it against a fresh parameter
// tree for this model.
func (t *Trainer) LoadParams(path string) (*nn.Params, error) {
	loaded, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	return checkpoint.Substitute(t.gpt.Init(rand.New(rand.NewSource(t.opts.Seed))), loaded)
}

func (t *Trainer) runInfo() RunInfo {
	return RunInfo{
		ID:           t.opts.RunID,
		Started:      time.Now().UTC(),
		Devices:      len(t.states),
		Params:       t.numParams,
		Sync:         string(t.opts.Sync),
		Optimizer:    t.opts.Optimizer.Name(),
		LearningRate: t.opts.LearningRate,
		Seed:         t.opts.Seed,
		WeightsFile:  t.opts.WeightsFile,
	}
}
