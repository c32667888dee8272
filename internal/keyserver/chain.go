package keyserver

import (
	"context"
	"errors"
	"log"
)

// Source is a remote lookup service.
type Source interface {
	LookupEmail(ctx context.Context, email string) (Result, error)
}

// Chain asks each source in order and returns the first key found.
type Chain struct {
	sources []Source
}

// NewChain creates a chain over sources. Nil sources are skipped.
func NewChain(sources ...Source) *Chain {
	c := &Chain{}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// LookupEmail returns the first found key. A failure is returned only when it
// happened before any source answered; once a source said it holds no key,
// later failures are logged and the not found answer stands.
func (c *Chain) LookupEmail(ctx context.Context, email string) (Result, error) {
	var (
		first    Result
		answered bool
		errs     []error
	)
	for i, s := range c.sources {
		res, err := s.LookupEmail(ctx, email)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			log.Printf("Key lookup source %d failed for %s: %v", i, email, err)
			if !answered {
				errs = append(errs, err)
			}
			continue
		}
		if res.Found {
			res.HasNativeSupport = res.HasNativeSupport || first.HasNativeSupport
			return res, nil
		}
		if !answered {
			first = res
			answered = true
		}
	}

	if len(errs) > 0 {
		return Result{}, errors.Join(errs...)
	}

	return first, nil
}
