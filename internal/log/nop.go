package log

import "context"

type nop struct{}

// Nop discards everything. Handy in tests and as the FromContext fallback.
func Nop() Logger { return nop{} }

func (n nop) With(...any) Logger { return n }

func (nop) Debug(context.Context, string, ...any) {}
func (nop) Info(context.Context, string, ...any)  {}
func (nop) Warn(context.Context, string, ...any)  {}

func (nop) Error(context.Context, error, string, ...any) {}

func (nop) Sync() error { return nil }
