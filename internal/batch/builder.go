package batch

import (
	"maps"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Adithya-Monish-Kumar-K/splunk-hec-sink/pkg/config"
)

// Options controls framing and closing of batches.
type Options struct {
	Raw          bool
	Formatted    bool
	LineBreaker  string
	MaxBytes     int
	FlushTimeout time.Duration

	Defaults   Metadata
	Enrichment map[string]string

	HeaderSupport    bool
	HeaderIndex      string
	HeaderSource     string
	HeaderSourcetype string
	HeaderHost       string
	HeaderCustom     []string
}

// OptionsFromConfig derives builder options from the HEC section.
func OptionsFromConfig(cfg config.HECConfig) (Options, error) {
	enrichment, err := config.ParseEnrichment(cfg.Enrichment)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Raw:          cfg.Raw,
		Formatted:    cfg.Formatted,
		LineBreaker:  cfg.LineBreaker,
		MaxBytes:     cfg.MaxBatchSize,
		FlushTimeout: cfg.FlushTimeout,
		Defaults: Metadata{
			Index:      cfg.Index,
			Source:     cfg.Source,
			Sourcetype: cfg.Sourcetype,
			Host:       cfg.Host,
		},
		Enrichment:       enrichment,
		HeaderSupport:    cfg.HeaderSupport,
		HeaderIndex:      cfg.HeaderIndex,
		HeaderSource:     cfg.HeaderSource,
		HeaderSourcetype: cfg.HeaderSourcetype,
		HeaderHost:       cfg.HeaderHost,
		HeaderCustom:     cfg.HeaderCustom,
	}, nil
}

// Builder accumulates records into the single Open batch it owns. It is not
// safe for concurrent use; each batching worker owns one.
type Builder struct {
	opts Options
	open *Batch
	now  func() time.Time
}

// NewBuilder creates a Builder. A non-positive MaxBytes puts every record in
// its own batch.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts, now: time.Now}
}

// Append frames rec into the open batch and returns the batches closed by
// doing so, in close order.
func (b *Builder) Append(rec Record) []*Batch {
	meta := b.resolveMetadata(rec)
	framed := b.frame(rec, meta)

	var closed []*Batch
	if b.open != nil {
		switch {
		case b.opts.Raw && b.open.Metadata != meta:
			closed = append(closed, b.close(ClosedByMetadata))
		case b.open.Size()+len(framed) > b.opts.MaxBytes:
			closed = append(closed, b.close(ClosedBySize))
		}
	}
	if b.open == nil {
		batchMeta := Metadata{}
		if b.opts.Raw {
			batchMeta = meta
		}
		b.open = newBatch(batchMeta, b.now())
	}
	b.open.add(rec, framed)
	if b.open.Size() >= b.opts.MaxBytes {
		closed = append(closed, b.close(ClosedBySize))
	}
	return closed
}

// Expire closes the open batch if it is at least FlushTimeout old.
func (b *Builder) Expire(now time.Time) *Batch {
	if b.open == nil || now.Sub(b.open.CreatedAt) < b.opts.FlushTimeout {
		return nil
	}
	return b.close(ClosedByAge)
}

// Flush closes the open batch, if any.
func (b *Builder) Flush() *Batch {
	if b.open == nil {
		return nil
	}
	return b.close(ClosedByFlush)
}

// Pending returns the number of records in the open batch.
func (b *Builder) Pending() int {
	if b.open == nil {
		return 0
	}
	return b.open.Len()
}

func (b *Builder) close(reason CloseReason) *Batch {
	out := b.open
	out.closeReason = reason
	b.open = nil
	return out
}

func (b *Builder) resolveMetadata(rec Record) Metadata {
	meta := b.opts.Defaults
	if b.opts.HeaderSupport && len(rec.Headers) > 0 {
		setFromHeader(&meta.Index, rec.Headers, b.opts.HeaderIndex)
		setFromHeader(&meta.Source, rec.Headers, b.opts.HeaderSource)
		setFromHeader(&meta.Sourcetype, rec.Headers, b.opts.HeaderSourcetype)
		setFromHeader(&meta.Host, rec.Headers, b.opts.HeaderHost)
	}
	setIf(&meta.Index, rec.Metadata.Index)
	setIf(&meta.Source, rec.Metadata.Source)
	setIf(&meta.Sourcetype, rec.Metadata.Sourcetype)
	setIf(&meta.Host, rec.Metadata.Host)
	return meta
}

func setFromHeader(dst *string, headers map[string]string, name string) {
	if name != "" {
		setIf(dst, headers[name])
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (b *Builder) resolveFields(rec Record) map[string]string {
	if len(b.opts.Enrichment) == 0 && len(rec.Fields) == 0 && (!b.opts.HeaderSupport || len(b.opts.HeaderCustom) == 0) {
		return nil
	}
	fields := make(map[string]string, len(b.opts.Enrichment)+len(rec.Fields))
	maps.Copy(fields, b.opts.Enrichment)
	if b.opts.HeaderSupport {
		for _, name := range b.opts.HeaderCustom {
			if v, ok := rec.Headers[name]; ok {
				fields[name] = v
			}
		}
	}
	maps.Copy(fields, rec.Fields)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

type epochTime time.Time

func (t epochTime) MarshalJSON() ([]byte, error) {
	secs := float64(time.Time(t).UnixMilli()) / 1000
	return strconv.AppendFloat(nil, secs, 'f', 3, 64), nil
}

type event struct {
	Time       *epochTime        `json:"time,omitempty"`
	Host       string            `json:"host,omitempty"`
	Source     string            `json:"source,omitempty"`
	Sourcetype string            `json:"sourcetype,omitempty"`
	Index      string            `json:"index,omitempty"`
	Event      json.RawMessage   `json:"event"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (b *Builder) frame(rec Record, meta Metadata) []byte {
	if b.opts.Raw {
		out := make([]byte, 0, len(rec.Value)+len(b.opts.LineBreaker))
		out = append(out, rec.Value...)
		return append(out, b.opts.LineBreaker...)
	}
	if b.opts.Formatted {
		return rec.Value
	}

	ev := event{
		Host:       meta.Host,
		Source:     meta.Source,
		Sourcetype: meta.Sourcetype,
		Index:      meta.Index,
		Fields:     b.resolveFields(rec),
	}
	if !rec.Time.IsZero() {
		t := epochTime(rec.Time)
		ev.Time = &t
	}
	if len(rec.Value) > 0 && json.Valid(rec.Value) {
		ev.Event = json.RawMessage(rec.Value)
	} else {
		quoted, err := json.Marshal(string(rec.Value))
		if err != nil {
			quoted = []byte(`""`)
		}
		ev.Event = quoted
	}
	out, err := json.Marshal(ev)
	if err != nil {
		// Only reachable with an invalid RawMessage; fall back to the quoted value.
		quoted, _ := json.Marshal(string(rec.Value))
		ev.Event = quoted
		out, _ = json.Marshal(ev)
	}
	return out
}
