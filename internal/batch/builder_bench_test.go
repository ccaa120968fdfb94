package batch

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var sampleValues = map[string][]byte{
	"line":   []byte(`127.0.0.1 - - [19/Oct/2026:10:00:00 +0000] "GET /api/v1/health HTTP/1.1" 200 17`),
	"json":   []byte(`{"level":"info","msg":"request served","status":200,"latency_ms":12,"path":"/api/v1/orders"}`),
	"stack":  []byte(strings.Repeat("at com.example.Service.handle(Service.java:42)\n", 40)),
	"quoted": []byte(`not json "with quotes" and \ backslashes`),
}

// BenchmarkAppendEvent measures event-mode framing with enrichment fields.
func BenchmarkAppendEvent(b *testing.B) {
	for name, value := range sampleValues {
		b.Run(name, func(b *testing.B) {
			bl := NewBuilder(Options{
				MaxBytes:   1 << 20,
				Defaults:   Metadata{Index: "main", Sourcetype: "_json"},
				Enrichment: map[string]string{"env": "prod", "region": "eu-west-1"},
			})
			rec := Record{Value: value, Time: time.Unix(1792400000, 0)}
			b.ReportAllocs()
			b.SetBytes(int64(len(value)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				bl.Append(rec)
			}
		})
	}
}

// BenchmarkAppendRaw measures raw-mode framing, which only appends the line
// breaker.
func BenchmarkAppendRaw(b *testing.B) {
	value := sampleValues["line"]
	bl := NewBuilder(Options{Raw: true, LineBreaker: "\n", MaxBytes: 1 << 20})
	rec := Record{Value: value}
	b.ReportAllocs()
	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.Append(rec)
	}
}

// BenchmarkAppendVaryingBatchSize shows the cost of closing batches more
// often.
func BenchmarkAppendVaryingBatchSize(b *testing.B) {
	value := sampleValues["json"]
	for _, size := range []int{4 << 10, 64 << 10, 1 << 20} {
		b.Run(fmt.Sprintf("max_%d", size), func(b *testing.B) {
			bl := NewBuilder(Options{MaxBytes: size})
			rec := Record{Value: value}
			b.ReportAllocs()
			b.SetBytes(int64(len(value)))
			for i := 0; i < b.N; i++ {
				bl.Append(rec)
			}
		})
	}
}
