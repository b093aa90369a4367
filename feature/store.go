package feature

import "context"

type Store interface {
	CreateFeature(ctx context.Context, f *Feature) error
	GetFeature(ctx context.Context, code string) (*Feature, error)
	ListFeatures(ctx context.Context, opts ListOpts) ([]*Feature, error)
	UpdateFeature(ctx context.Context, f *Feature) error
}

type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
