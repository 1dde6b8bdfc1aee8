package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sentinelops/selfheal/internal/storage"
	"github.com/sentinelops/selfheal/pkg/errors"
)

// Probe performs a single health check against a service. Implementations
// must respect ctx cancellation; the Monitor applies the service's timeout.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface
type ProbeFunc func(ctx context.Context) error

// Check implements Probe
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe checks a service with an HTTP HEAD request
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates an HTTP HEAD probe for the given URL
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check implements Probe
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return errors.NewInternalError("failed to create probe request").WithCause(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.NewExternalError("http", "probe request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.NewExternalError("http",
			fmt.Sprintf("probe endpoint returned status %d", resp.StatusCode))
	}

	return nil
}

// StorageProbe checks storage-type services with a Redis write/read/delete
// round trip.
type StorageProbe struct {
	redis     *storage.RedisClient
	serviceID string
}

// NewStorageProbe creates a storage round-trip probe
func NewStorageProbe(redis *storage.RedisClient, serviceID string) *StorageProbe {
	return &StorageProbe{
		redis:     redis,
		serviceID: serviceID,
	}
}

// Check implements Probe
func (p *StorageProbe) Check(ctx context.Context) error {
	return p.redis.RoundTrip(ctx, p.serviceID)
}

// StaticProbe always reports healthy. Services registered without a probe
// get this default.
type StaticProbe struct{}

// Check implements Probe
func (StaticProbe) Check(ctx context.Context) error {
	return nil
}
