package domain

import "context"

// GPUInfoProvider reports driver and per-device details.
type GPUInfoProvider interface {
	GPUReport(ctx context.Context) GPUReport
}
