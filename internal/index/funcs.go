package index

import (
	"database/sql/driver"
	"fmt"
	"math"
	"math/bits"
	"sync"

	sqlite "modernc.org/sqlite"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerFunctions registers the scalar functions once per process.
func registerFunctions() error {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction("hamming", 2, hammingFunc); err != nil {
			registerErr = fmt.Errorf("register hamming: %w", err)
			return
		}
		if err := sqlite.RegisterDeterministicScalarFunction("decay", 2, decayFunc); err != nil {
			registerErr = fmt.Errorf("register decay: %w", err)
		}
	})
	return registerErr
}

func hammingFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok1 := asInt64(args[0])
	b, ok2 := asInt64(args[1])
	if !ok1 || !ok2 {
		return nil, nil
	}
	return int64(bits.OnesCount64(uint64(a) ^ uint64(b))), nil
}

// decayFunc computes exp(-lambda * |dt| hours). A non-positive lambda
// disables decay.
func decayFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	dt, ok := asInt64(args[0])
	if !ok {
		return nil, nil
	}
	lambda, ok := asFloat64(args[1])
	if !ok || lambda <= 0 {
		return 1.0, nil
	}
	hours := math.Abs(float64(dt)) / 3.6e12
	return math.Exp(-lambda * hours), nil
}

func asInt64(v driver.Value) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	return 0, false
}

func asFloat64(v driver.Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Decay is the Go counterpart of the decay SQL function.
func Decay(dtNanos int64, lambdaPerHour float64) float64 {
	if lambdaPerHour <= 0 {
		return 1
	}
	return math.Exp(-lambdaPerHour * math.Abs(float64(dtNanos)) / 3.6e12)
}
