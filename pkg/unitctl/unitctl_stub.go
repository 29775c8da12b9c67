//go:build !linux

package unitctl

import "context"

type Controller struct{}

func New() *Controller { return &Controller{} }

func (c *Controller) Close() error { return nil }

func (c *Controller) Run(ctx context.Context, unit string, action Action) error {
	return ErrUnsupported
}

func (c *Controller) Status(ctx context.Context, unit string) (*Status, error) {
	return nil, ErrUnsupported
}
