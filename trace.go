package atomcache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/unkn0wn-root/atomcache"

const (
	attrNamespace = attribute.Key("atomcache.namespace")
	attrKeyHash   = attribute.Key("atomcache.key_hash")
	attrBatchSize = attribute.Key("atomcache.batch_size")
)

type tracer struct {
	t    trace.Tracer
	kind Kind
	ns   string
}

func newTracer(tp trace.TracerProvider, kind Kind, ns string) tracer {
	return tracer{t: tp.Tracer(tracerName), kind: kind, ns: ns}
}

// start opens "atomcache.<kind>.<op>".
func (t tracer) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attrNamespace.String(t.ns))
	return t.t.Start(ctx, "atomcache."+t.kind.String()+"."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
