package cuda

import "github.com/achilleasa/borealis/device/cuda/driver"

// A contextScope makes a driver context current on the calling OS thread
// for the duration of one device operation. Scopes must be released on the
// thread that created them and nest in strict LIFO order.
type contextScope struct {
	ctx *driver.Context
}

func pushScope(ctx *driver.Context) (*contextScope, error) {
	if err := ctx.PushCurrent(); err != nil {
		return nil, err
	}
	return &contextScope{ctx: ctx}, nil
}

// Release makes the previously current context current again. Releasing a
// scope twice is a no-op.
func (s *contextScope) Release() error {
	if s.ctx == nil {
		return nil
	}
	ctx := s.ctx
	s.ctx = nil
	return ctx.PopCurrent()
}
