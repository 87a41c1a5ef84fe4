package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/internal/pool"
)

// timestampKey marks a map entry produced from a time.Time so Deserialize can
// restore the original type instead of leaving an RFC 3339 string behind.
const (
	typeKey      = "__type"
	valueKey     = "__value"
	timestampTag = "timestamp"
)

// Serializer converts live execution state to and from its portable form.
// Serialize never fails the write: values that cannot be represented degrade
// to a best-effort string and are reported in the returned field list.
type Serializer interface {
	Serialize(state map[string]any) (map[string]any, []string)
	Deserialize(data map[string]any) map[string]any
}

// JSONSerializer round-trips maps, slices, scalars, and timestamps through a
// JSON-compatible representation.
type JSONSerializer struct {
	logger *zap.Logger
}

// NewJSONSerializer creates a serializer. A nil logger is replaced with a nop.
func NewJSONSerializer(logger *zap.Logger) *JSONSerializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONSerializer{logger: logger.With(zap.String("component", "serializer"))}
}

// Serialize returns the portable form of state plus the paths of any fields
// that degraded to a best-effort representation.
func (s *JSONSerializer) Serialize(state map[string]any) (map[string]any, []string) {
	if state == nil {
		return map[string]any{}, nil
	}
	var degraded []string
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = s.portable(k, v, &degraded)
	}
	for _, field := range degraded {
		s.logger.Warn("state value degraded to string form",
			zap.String("field", field),
		)
	}
	return out, degraded
}

// portable converts a single value, recording degraded paths under path.
func (s *JSONSerializer) portable(path string, v any, degraded *[]string) any {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val
	case time.Time:
		return map[string]any{typeKey: timestampTag, valueKey: val.Format(time.RFC3339Nano)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.portable(path+"."+k, item, degraded)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.portable(fmt.Sprintf("%s[%d]", path, i), item, degraded)
		}
		return out
	default:
		// Domain value objects round-trip through their JSON form when they
		// have one. Everything else degrades instead of blocking the write.
		data, err := json.Marshal(val)
		if err != nil {
			serr := &SerializationError{Field: path, Err: err}
			s.logger.Error("unportable state value", zap.Error(serr))
			*degraded = append(*degraded, path)
			return fmt.Sprintf("%v", val)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			*degraded = append(*degraded, path)
			return fmt.Sprintf("%v", val)
		}
		return generic
	}
}

// Deserialize restores the live form of a portable state map. Timestamp
// markers become time.Time values again; everything else passes through.
func (s *JSONSerializer) Deserialize(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = revive(v)
	}
	return out
}

func revive(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val[typeKey]; ok && tag == timestampTag {
			if raw, ok := val[valueKey].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					return ts
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = revive(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = revive(item)
		}
		return out
	default:
		return val
	}
}

// CloneState returns a deep copy of a portable state map. The copy shares no
// mutable references with the original; this is what fork isolation rests on.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	return cloneMap(state)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// gzipMagic is the two-byte header every gzip stream starts with. Decode uses
// it to accept both compressed and uncompressed blobs, so flipping the
// Compression flag never strands previously written records.
var gzipMagic = []byte{0x1f, 0x8b}

// Codec marshals checkpoint records to the byte form the durable backends
// persist, optionally gzip-compressed.
type Codec struct {
	compress bool
}

// NewCodec creates a codec. When compress is true, Encode gzips the JSON blob.
func NewCodec(compress bool) *Codec {
	return &Codec{compress: compress}
}

// Encode marshals v to JSON, compressing when configured. Compression runs
// through pooled buffers; the returned slice is always owned by the caller.
func (c *Codec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	if !c.compress {
		return data, nil
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	zw := pool.GzipWriterPool.Get()
	defer pool.GzipWriterPool.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Decode unmarshals data into v, transparently inflating gzip blobs.
func (c *Codec) Decode(data []byte, v any) error {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to decompress: %w", err)
		}
		defer zr.Close()
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("failed to decompress: %w", err)
		}
		data = inflated
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
