package decode

import (
	"fmt"
	"reflect"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options 用于定制 Decode 行为。
type Options struct {
	// 宽松解码（默认 true）：例如 123 -> "123"、"5" -> int
	WeaklyTypedInput bool
	// 出现目标结构体没有的字段时报错
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// Raw 将一段 JSON（控制帧 payload 等）解码到结构体 T，字段使用 `json` tag。
// 空 payload 解码为零值。
func Raw[T any](raw []byte, opts ...Options) (*T, error) {
	var m any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("payload is not json: %w", err)
		}
	}
	return Value[T](m, opts...)
}

// Value 将已解析的动态值（map[string]any 等）解码到结构体 T。
func Value[T any](in any, opts ...Options) (*T, error) {
	var out T
	if in == nil {
		return &out, nil
	}
	if err := Into(in, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Into decodes in into out, which must be a pointer.
func Into(in any, out any, opts ...Options) error {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// ConfigHooks are the hooks viper uses when unmarshalling configuration.
func ConfigHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		floatToIntHook(),
	)
}

// floatToIntHook：把 float64 自动转为 int / int32 / int64（JSON 数字默认是 float64）。
// time.Duration 按毫秒解释。
func floatToIntHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		if to == durType {
			return time.Duration(f) * time.Millisecond, nil
		}
		switch to.Kind() {
		case reflect.Int:
			return int(f), nil
		case reflect.Int32:
			return int32(f), nil
		case reflect.Int64:
			return int64(f), nil
		}
		return data, nil
	}
}
