package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/eddielth/telemetry-normalizer/validator"
)

var (
	ErrRejected    = errors.New("record rejected")
	ErrStoreFailed = errors.New("store failed")
)

// Transformer turns a raw payload into a canonical record
type Transformer interface {
	Transform(payload []byte) (transformer.Record, error)
}

// Sink consumes canonical records
type Sink interface {
	Store(record transformer.Record) error
}

// Processor runs payloads through transform, validation and the sink.
// Each record either completes every stage or is dropped.
type Processor struct {
	transformer Transformer
	sink        Sink
	validators  []validator.Validator
	mu          sync.RWMutex
}

// RecordError is the failure of one record inside a batch
type RecordError struct {
	Index int
	Err   error
}

// Summary reports the outcome of a batch
type Summary struct {
	Total  int
	Stored int
	Failed int
	Errors []RecordError
}

// NewProcessor creates a processor. A nil sink discards canonical records.
func NewProcessor(t Transformer, validators []validator.Validator, sink Sink) *Processor {
	return &Processor{
		transformer: t,
		sink:        sink,
		validators:  validators,
	}
}

// SetValidators swaps the validator set, e.g. after a config reload
func (p *Processor) SetValidators(validators []validator.Validator) {
	p.mu.Lock()
	p.validators = validators
	p.mu.Unlock()
}

// Process transforms and validates payload without storing it
func (p *Processor) Process(payload []byte) (transformer.Record, error) {
	record, err := p.transformer.Transform(payload)
	if err != nil {
		return transformer.Record{}, err
	}

	p.mu.RLock()
	validators := p.validators
	p.mu.RUnlock()

	if err := validator.ValidateAll(record, validators); err != nil {
		return transformer.Record{}, fmt.Errorf("%w: device %s: %w", ErrRejected, record.DeviceID, err)
	}
	return record, nil
}

// Handle processes and stores one payload received from source. Failures are
// logged and returned; they never affect other records.
func (p *Processor) Handle(source string, payload []byte) error {
	record, err := p.Process(payload)
	if err != nil {
		logger.Warn("skipping record from %s [%s]: %v", source, ErrorKind(err), err)
		return err
	}

	if p.sink != nil {
		if err := p.sink.Store(record); err != nil {
			return fmt.Errorf("%w: device %s: %w", ErrStoreFailed, record.DeviceID, err)
		}
	}

	logger.Debug("normalized record from %s: device %s at %d", source, record.DeviceID, record.Timestamp)
	return nil
}

// ProcessBatch handles every payload, isolating failures per record
func (p *Processor) ProcessBatch(source string, payloads [][]byte) Summary {
	summary := Summary{Total: len(payloads)}

	for i, payload := range payloads {
		if err := p.Handle(fmt.Sprintf("%s#%d", source, i), payload); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, RecordError{Index: i, Err: err})
			continue
		}
		summary.Stored++
	}

	logger.Info("processed %s: %d records, %d stored, %d failed", source, summary.Total, summary.Stored, summary.Failed)
	return summary
}

// ErrorKind names the failure class of err for logs and API responses
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, validator.ErrOutOfRange):
		return "OutOfRange"
	case errors.Is(err, validator.ErrNotNumeric):
		return "NotNumeric"
	case errors.Is(err, ErrStoreFailed):
		return "StoreFailed"
	default:
		return transformer.Kind(err)
	}
}
