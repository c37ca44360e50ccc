package p21

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"stepcore/internal/core"
)

// Decoder populates SDAI-models from exchange files.
type Decoder struct {
	schemas core.SchemaRegistry
	foreign ForeignReferenceResolver
	monitor ActivityMonitor
	logger  core.Logger
	metrics core.MetricsRecorder
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithSchemas resolves FILE_SCHEMA names through r instead of the
// session's registry.
func WithSchemas(r core.SchemaRegistry) DecoderOption {
	return func(d *Decoder) { d.schemas = r }
}

// WithForeignResolver follows references that leave the exchange structure.
func WithForeignResolver(f ForeignReferenceResolver) DecoderOption {
	return func(d *Decoder) {
		if f != nil {
			d.foreign = f
		}
	}
}

// WithActivityMonitor reports progress to m.
func WithActivityMonitor(m ActivityMonitor) DecoderOption {
	return func(d *Decoder) {
		if m != nil {
			d.monitor = m
		}
	}
}

// WithLogger overrides the session logger.
func WithLogger(l core.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// WithMetrics overrides the session metrics recorder.
func WithMetrics(m core.MetricsRecorder) DecoderOption {
	return func(d *Decoder) { d.metrics = m }
}

// NewDecoder returns a decoder with the given options.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{foreign: UnresolvableReferences{}, monitor: NoopActivityMonitor{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses input and resolves it into new models of repo under tx,
// one per DATA section, in file order. Nothing is committed; on failure the
// caller aborts tx.
func (d *Decoder) Decode(ctx context.Context, input io.Reader, tx *core.Transaction, repo *core.Repository) ([]*core.SdaiModel, error) {
	_, models, err := d.DecodeExchange(ctx, input, tx, repo)
	return models, err
}

// DecodeExchange is Decode that also returns the parsed exchange structure.
func (d *Decoder) DecodeExchange(ctx context.Context, input io.Reader, tx *core.Transaction, repo *core.Repository) (es *ExchangeStructure, models []*core.SdaiModel, err error) {
	if tx == nil || repo == nil {
		return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: errors.New("decode needs a transaction and a repository")}
	}
	s := tx.Session()
	logger, metrics, registry := d.logger, d.metrics, d.schemas
	if logger == nil {
		logger = s.Logger()
	}
	if metrics == nil {
		metrics = s.Metrics()
	}
	if registry == nil {
		registry = s.Schemas()
	}
	started := time.Now()
	instances := 0
	defer func() {
		metrics.Observe(ctx, core.OpDecode, err == nil, time.Since(started))
		if err != nil {
			logger.Warn("decode failed", "repository", repo.Name(), "error", err.Error())
			return
		}
		metrics.Decoded(instances)
	}()

	es, err = NewParser(input, WithParserMonitor(d.monitor)).ParseExchangeStructure()
	if err != nil {
		return nil, nil, &DecoderError{Kind: ErrorKindParser, Err: err}
	}

	d.monitor.PhaseStarted(PhaseSchemas, "")
	var defs []*core.SchemaDefinition
	for _, declared := range es.Header.Schemas {
		key := schemaKey(declared)
		def, ok := registry.Schema(key)
		if !ok {
			return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: fmt.Errorf("schema %s is not known", key)}
		}
		if err := es.RegisterSchema(key, def); err != nil {
			return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: err}
		}
		defs = append(defs, def)
	}
	if err := s.PrepareFallbackModels(tx, defs...); err != nil {
		return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: err}
	}

	d.monitor.PhaseStarted(PhaseModels, strconv.Itoa(len(es.DataSections)))
	base := es.Header.ShortName()
	if base == "" {
		base = "P21"
	}
	for _, section := range es.DataSections {
		def, ok := es.Schema(section.Schema)
		if !ok {
			return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: newError(section.Line, "DATA section %d governed by undeclared schema %s", section.Index+1, section.Schema)}
		}
		section.schema = def
		name := uniqueModelName(repo, sectionModelName(base, section, len(es.DataSections)))
		m, err := tx.CreateSdaiModel(repo, name, def)
		if err != nil {
			return nil, nil, &DecoderError{Kind: ErrorKindDecoder, Err: err}
		}
		section.model = m
		models = append(models, m)
		instances += len(section.Instances)
	}

	d.monitor.PhaseStarted(PhaseResolve, strconv.Itoa(len(es.entityOrder)))
	r := &resolution{es: es, foreign: d.foreign, monitor: d.monitor}
	if err := r.resolveAll(ctx); err != nil {
		return nil, nil, &DecoderError{Kind: ErrorKindResolve, Err: err}
	}
	r.verify(s)
	d.monitor.PhaseStarted(PhaseComplete, "")
	logger.Info("exchange structure decoded", "file", es.Header.Name, "repository", repo.Name(), "models", len(models), "instances", instances)
	return es, models, nil
}

// sectionModelName names the model of a DATA section after the file's
// short name; files with several sections add the section name or number.
func sectionModelName(base string, section *DataSection, sections int) string {
	if sections <= 1 {
		return base
	}
	if section.Name != "" {
		return base + "_" + section.Name
	}
	return base + "_" + strconv.Itoa(section.Index+1)
}

func uniqueModelName(repo *core.Repository, name string) string {
	if _, taken := repo.FindSdaiModel(name); !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if _, taken := repo.FindSdaiModel(candidate); !taken {
			return candidate
		}
	}
}
