// Package idgen provides message identifier generators.
//
// Every generator is safe for concurrent use and never returns the same
// value twice within a process.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Generator produces unique message identifiers.
type Generator interface {
	Next() string
}

// Func adapts a plain function to Generator.
type Func func() string

// Next calls f.
func (f Func) Next() string { return f() }

// Default returns the generator used when none is injected.
func Default() Generator {
	return UUID()
}

// NewSequential returns a generator whose first value is prefix+"1".
// Useful in tests that need predictable ids.
func NewSequential(prefix string) Generator {
	return &sequentialGenerator{prefix: prefix}
}

type sequentialGenerator struct {
	prefix string
	next   atomic.Uint64
}

func (g *sequentialGenerator) Next() string {
	return g.prefix + strconv.FormatUint(g.next.Add(1), 10)
}

// UUID returns a generator emitting random version 4 UUID strings.
func UUID() Generator {
	return Func(func() string {
		return uuid.NewString()
	})
}

// XID returns a generator emitting 20-character sortable ids.
func XID() Generator {
	return Func(func() string {
		return xid.New().String()
	})
}

// ByName returns the generator registered under name ("uuid", "xid" or
// "sequential"). Unknown names yield nil.
func ByName(name string) Generator {
	switch name {
	case "", "uuid":
		return UUID()
	case "xid":
		return XID()
	case "sequential", "seq":
		return NewSequential("")
	default:
		return nil
	}
}
