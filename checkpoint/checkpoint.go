// Package checkpoint persists training state at epoch boundaries.
//
// A Record is the unit of crash recovery: opaque model and optimizer
// state plus the epoch index and the best metrics seen so far.
// "latest" is overwritten every epoch; "best" only when the selection
// metric improves. Records publish atomically through the blob store,
// so the epoch boundary is always a safe interruption point.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/soundlens/soundlens/blobstore"
	"github.com/soundlens/soundlens/blobstore/s3"
	"github.com/soundlens/soundlens/codec"
	"github.com/soundlens/soundlens/resource"
)

const (
	// LatestName is the blob name of the always-overwritten record.
	LatestName = "latest.ckpt"

	// BestName is the blob name of the best-metric record.
	BestName = "best.ckpt"
)

var (
	magic = [4]byte{'S', 'L', 'C', 'P'}

	// ErrCorrupt indicates an unreadable or schema-mismatched record.
	// Load failures at startup are fatal; no partial resume is
	// attempted.
	ErrCorrupt = errors.New("checkpoint: corrupt record")
)

const formatVersion = 1

// Record is one persisted training state.
type Record struct {
	// Model and Optimizer hold opaque state produced by the model
	// boundary; the engine never inspects them.
	Model     []byte `json:"model"`
	Optimizer []byte `json:"optimizer"`

	// Epoch is the index of the next epoch to run after resume.
	Epoch int `json:"epoch"`

	// Best maps metric names (e.g. "ciou", "auc", "recall@10") to the
	// best values seen so far.
	Best map[string]float64 `json:"best"`
}

// BestRegistry guards the shared best record across runs with
// compare-and-set semantics. A losing publish returns
// s3.ErrNotImproved. s3.Registry implements it.
type BestRegistry interface {
	PublishBest(ctx context.Context, entry s3.BestEntry) error
}

// Options configures a Manager.
type Options struct {
	// Codec encodes the record payload. Defaults to codec.Default.
	Codec codec.Codec

	// Compression applied over the encoded payload.
	// Defaults to CompressionZstd.
	Compression Compression

	// Controller rate-limits record writes; nil means unlimited.
	Controller *resource.Controller

	// Registry, when set, gates "best" writes behind a cross-run
	// compare-and-set keyed by Experiment.
	Registry BestRegistry

	// Experiment names this run in the registry.
	Experiment string
}

// Manager writes and reads checkpoint records on a blob store.
type Manager struct {
	store       blobstore.BlobStore
	codec       codec.Codec
	compression Compression
	rc          *resource.Controller
	registry    BestRegistry
	experiment  string
}

// NewManager creates a checkpoint manager.
func NewManager(store blobstore.BlobStore, optFns ...func(*Options)) *Manager {
	opts := Options{
		Codec:       codec.Default,
		Compression: CompressionZstd,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	return &Manager{
		store:       store,
		codec:       opts.Codec,
		compression: opts.Compression,
		rc:          opts.Controller,
		registry:    opts.Registry,
		experiment:  opts.Experiment,
	}
}

// SaveLatest overwrites the "latest" record.
func (m *Manager) SaveLatest(ctx context.Context, rec *Record) error {
	return m.save(ctx, LatestName, rec)
}

// SaveBest overwrites the "best" record. metric names the selection
// scalar in rec.Best. When a registry is configured, its
// compare-and-set must be won before the blob is written; a losing
// publish returns s3.ErrNotImproved and leaves the stored record
// untouched, so concurrent or restarted runs can never regress it.
func (m *Manager) SaveBest(ctx context.Context, rec *Record, metric string) error {
	if m.registry != nil {
		entry := s3.BestEntry{
			Experiment: m.experiment,
			Epoch:      rec.Epoch,
			Metric:     rec.Best[metric],
			Checkpoint: BestName,
		}
		if err := m.registry.PublishBest(ctx, entry); err != nil {
			if errors.Is(err, s3.ErrNotImproved) {
				return err
			}
			return fmt.Errorf("checkpoint: publish best: %w", err)
		}
	}

	return m.save(ctx, BestName, rec)
}

// LoadLatest reads the "latest" record.
// Returns blobstore.ErrNotFound when no checkpoint exists yet.
func (m *Manager) LoadLatest(ctx context.Context) (*Record, error) {
	return m.load(ctx, LatestName)
}

// LoadBest reads the "best" record.
func (m *Manager) LoadBest(ctx context.Context) (*Record, error) {
	return m.load(ctx, BestName)
}

func (m *Manager) save(ctx context.Context, name string, rec *Record) error {
	payload, err := m.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode record: %w", err)
	}

	compressed, err := compress(m.compression, payload)
	if err != nil {
		return fmt.Errorf("checkpoint: compress record: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(m.compression))
	codecName := m.codec.Name()
	buf.WriteByte(byte(len(codecName)))
	buf.WriteString(codecName)

	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(compressed))
	buf.Write(crc[:])
	buf.Write(compressed)

	w, err := m.store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", name, err)
	}

	if _, err := resource.NewRateLimitedWriter(ctx, w, m.rc).Write(buf.Bytes()); err != nil {
		w.Close()
		return fmt.Errorf("checkpoint: write %s: %w", name, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("checkpoint: publish %s: %w", name, err)
	}

	return nil
}

func (m *Manager) load(ctx context.Context, name string) (*Record, error) {
	b, err := m.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}

	// magic + version + compression + codec len + crc
	if len(data) < len(magic)+3+4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}

	compression := Compression(data[5])
	nameLen := int(data[6])
	if len(data) < 7+nameLen+4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}

	codecName := string(data[7 : 7+nameLen])
	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrCorrupt, codecName)
	}

	rest := data[7+nameLen:]
	wantCRC := binary.BigEndian.Uint32(rest[:4])
	compressed := rest[4:]
	if crc32.ChecksumIEEE(compressed) != wantCRC {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	payload, err := decompress(compression, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var rec Record
	if err := c.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}

	return &rec, nil
}
