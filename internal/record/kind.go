package record

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Kind is the closed set of scalar kinds a normalized value can take.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	case KindTime:
		return "time.Time"
	case KindString:
		return "string"
	default:
		return "nil"
	}
}

// Classify reports the kind of a normalized value. Values outside the closed
// set classify as KindString.
func Classify(value any) Kind {
	switch value.(type) {
	case nil:
		return KindNull
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Time:
		return KindTime
	default:
		return KindString
	}
}

type float64er interface {
	Float64() float64
}

// Normalize maps a driver or decoder value onto the closed kind set:
// int64, float64, bool, time.Time, string or nil.
func Normalize(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case int64, float64, bool, string, time.Time:
		return typed
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint:
		return normalizeUint(uint64(typed))
	case uint64:
		return normalizeUint(typed)
	case float32:
		return float64(typed)
	case []byte:
		return string(typed)
	case *big.Int:
		if typed == nil {
			return nil
		}
		if typed.IsInt64() {
			return typed.Int64()
		}
		return typed.String()
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case float64er:
		return typed.Float64()
	case map[string]any, []any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func normalizeUint(value uint64) any {
	if value > math.MaxInt64 {
		return float64(value)
	}
	return int64(value)
}

// NormalizeRow normalizes every value of row in place and returns it.
func NormalizeRow(row []any) []any {
	for i, value := range row {
		row[i] = Normalize(value)
	}
	return row
}
