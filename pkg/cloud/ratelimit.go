package cloud

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles every call to the wrapped provider with a
// shared token bucket.
type RateLimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so that at most perSecond calls start each second,
// with bursts up to burst. A non-positive perSecond disables limiting.
func RateLimited(p Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{next: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimitedProvider) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return &Error{Code: CodeOverLimit, Op: op, Message: "rate limiter", Err: err}
	}
	return nil
}

func (r *RateLimitedProvider) CreatePort(ctx context.Context, networkID, name string) (*Port, error) {
	if err := r.wait(ctx, "create port"); err != nil {
		return nil, err
	}
	return r.next.CreatePort(ctx, networkID, name)
}

func (r *RateLimitedProvider) DeletePort(ctx context.Context, id string) error {
	if err := r.wait(ctx, "delete port"); err != nil {
		return err
	}
	return r.next.DeletePort(ctx, id)
}

func (r *RateLimitedProvider) DeletePorts(ctx context.Context, ids []string) error {
	if err := r.wait(ctx, "delete ports"); err != nil {
		return err
	}
	return r.next.DeletePorts(ctx, ids)
}

func (r *RateLimitedProvider) CreateVolume(ctx context.Context, name string, sizeGB int) (*Volume, error) {
	if err := r.wait(ctx, "create volume"); err != nil {
		return nil, err
	}
	return r.next.CreateVolume(ctx, name, sizeGB)
}

func (r *RateLimitedProvider) DeleteVolume(ctx context.Context, id string) error {
	if err := r.wait(ctx, "delete volume"); err != nil {
		return err
	}
	return r.next.DeleteVolume(ctx, id)
}

func (r *RateLimitedProvider) CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error) {
	if err := r.wait(ctx, "create vm"); err != nil {
		return nil, err
	}
	return r.next.CreateVM(ctx, req)
}

func (r *RateLimitedProvider) GetVM(ctx context.Context, id string) (*VM, error) {
	if err := r.wait(ctx, "get vm"); err != nil {
		return nil, err
	}
	return r.next.GetVM(ctx, id)
}

func (r *RateLimitedProvider) DeleteVM(ctx context.Context, id string) error {
	if err := r.wait(ctx, "delete vm"); err != nil {
		return err
	}
	return r.next.DeleteVM(ctx, id)
}

func (r *RateLimitedProvider) ListVMInterfaces(ctx context.Context, vmID string) ([]string, error) {
	if err := r.wait(ctx, "list vm interfaces"); err != nil {
		return nil, err
	}
	return r.next.ListVMInterfaces(ctx, vmID)
}

func (r *RateLimitedProvider) CreateVMGroup(ctx context.Context, name, policy string) (string, error) {
	if err := r.wait(ctx, "create vm group"); err != nil {
		return "", err
	}
	return r.next.CreateVMGroup(ctx, name, policy)
}

func (r *RateLimitedProvider) DeleteVMGroup(ctx context.Context, id string) error {
	if err := r.wait(ctx, "delete vm group"); err != nil {
		return err
	}
	return r.next.DeleteVMGroup(ctx, id)
}

func (r *RateLimitedProvider) FindByName(ctx context.Context, kind Kind, name string) ([]string, error) {
	if err := r.wait(ctx, "find "+string(kind)); err != nil {
		return nil, err
	}
	return r.next.FindByName(ctx, kind, name)
}
