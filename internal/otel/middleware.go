package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// Transport returns an http.RoundTripper that injects the W3C traceparent of
// the request context into outgoing headers.
func Transport(base http.RoundTripper, tracer *Tracer) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if tracer == nil || !tracer.Enabled() {
			return base.RoundTrip(r)
		}
		r = r.Clone(r.Context())
		InjectHeaders(r.Context(), r.Header, tracer)
		return base.RoundTrip(r)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// InjectHeaders injects trace context into outgoing HTTP headers.
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractContext extracts trace context from incoming HTTP headers.
func ExtractContext(ctx context.Context, headers http.Header, tracer *Tracer) context.Context {
	if tracer == nil || !tracer.Enabled() {
		return ctx
	}
	return tracer.Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}
