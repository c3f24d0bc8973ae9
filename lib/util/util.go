package util

import (
	"context"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/xerrors"
)

type WaitTimeout struct {
	Timeout     time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	InitialWait bool
	Clock       quartz.Clock
}

var WaitTimedOut = xerrors.New("timeout waiting for condition")

// WaitFor polls condition with exponential backoff until it reports true,
// returns an error, the context ends, or the timeout expires.
func WaitFor(ctx context.Context, timeout WaitTimeout, condition func() (bool, error)) error {
	clock := timeout.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	minInterval := orDefault(timeout.MinInterval, 10*time.Millisecond)
	maxInterval := orDefault(timeout.MaxInterval, 500*time.Millisecond)
	if minInterval > maxInterval {
		return xerrors.Errorf("minInterval is greater than maxInterval")
	}

	deadline := clock.NewTimer(orDefault(timeout.Timeout, 10*time.Second))
	defer deadline.Stop()

	sleep := func(d time.Duration) error {
		timer := clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return WaitTimedOut
		}
	}

	interval := minInterval
	if timeout.InitialWait {
		if err := sleep(interval); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return WaitTimedOut
		default:
		}
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(interval); err != nil {
			return err
		}
		interval = min(interval*2, maxInterval)
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

// TruncateRunes shortens s to at most n runes, appending suffix when anything
// was cut.
func TruncateRunes(s string, n int, suffix string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + suffix
}

// based on https://github.com/danielgtaylor/huma/issues/621#issuecomment-2456588788
func OpenAPISchema[T ~string](r huma.Registry, enumName string, values []T) *huma.Schema {
	if r.Map()[enumName] == nil {
		schemaRef := r.Schema(reflect.TypeOf(""), true, enumName)
		schemaRef.Title = enumName
		schemaRef.Examples = []any{values[0]}
		for _, v := range values {
			schemaRef.Enum = append(schemaRef.Enum, string(v))
		}
		r.Map()[enumName] = schemaRef
	}
	return &huma.Schema{Ref: fmt.Sprintf("#/components/schemas/%s", enumName)}
}
