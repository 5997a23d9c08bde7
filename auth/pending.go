package auth

import (
	"context"
	"sync"
)

// Pending is the eventual outcome of an authentication attempt. It resolves
// exactly once, either to a credential, to absent (nil credential, nil
// error), or to a hard failure.
//
// Blocking use:
//
//	cred, err := neg.Negotiate(ctx, sess, req, challenges).Wait(ctx)
//
// Non-blocking use:
//
//	p := neg.Negotiate(ctx, sess, req, challenges)
//	select {
//	case <-p.Done():
//	    cred, err := p.Result()
//	case <-time.After(5 * time.Second):
//	}
//
// Abandoning a Pending does not cancel the work behind it.
type Pending struct {
	done chan struct{}
	once sync.Once
	cred *Credential
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns a Pending already resolved to cred, which may be nil.
func Resolved(cred *Credential) *Pending {
	p := newPending()
	p.resolve(cred, nil)
	return p
}

// Failed returns a Pending already resolved to err.
func Failed(err error) *Pending {
	p := newPending()
	p.resolve(nil, err)
	return p
}

// Go runs fn on its own goroutine and returns a Pending resolved with its
// result.
func Go(fn func() (*Credential, error)) *Pending {
	p := newPending()
	go func() {
		cred, err := fn()
		p.resolve(cred, err)
	}()
	return p
}

// Wait blocks until the attempt resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Credential, error) {
	select {
	case <-p.done:
		return p.cred, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the attempt has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed;
// before that it returns (nil, nil).
func (p *Pending) Result() (*Credential, error) {
	select {
	case <-p.done:
		return p.cred, p.err
	default:
		return nil, nil
	}
}

func (p *Pending) resolve(cred *Credential, err error) {
	p.once.Do(func() {
		p.cred = cred
		p.err = err
		close(p.done)
	})
}
