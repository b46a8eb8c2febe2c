package data

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	fieldIsVandalism      = "is_vandalism"
	fieldVandalismReasons = "vandalism_reasons"
)

// Codec serializes enriched records onto the feed queues. The processor and
// the reader must be configured with the same codec.
type Codec interface {
	Name() string
	Marshal(rec EnrichedRecord) ([]byte, error)
	Unmarshal(b []byte, rec *EnrichedRecord) error
}

// JSONCodec is the default feed encoding. A record decoded from the stream is
// written as the upstream object with the two classification fields added.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(rec EnrichedRecord) ([]byte, error) {
	if rec.Raw == nil {
		return encodeJSON(rec)
	}
	reasons := rec.VandalismReasons
	if reasons == nil {
		reasons = []string{}
	}
	flag, err := encodeJSON(rec.IsVandalism)
	if err != nil {
		return nil, err
	}
	list, err := encodeJSON(reasons)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]json.RawMessage, len(rec.Raw)+2)
	for k, v := range rec.Raw {
		fields[k] = v
	}
	fields[fieldIsVandalism] = flag
	fields[fieldVandalismReasons] = list
	return encodeJSON(fields)
}

func (JSONCodec) Unmarshal(b []byte, rec *EnrichedRecord) error {
	var out EnrichedRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	raw, err := rawFields(b)
	if err != nil {
		return err
	}
	delete(raw, fieldIsVandalism)
	delete(raw, fieldVandalismReasons)
	out.Raw = raw
	*rec = out
	return nil
}

// encodeJSON marshals without HTML escaping so upstream strings such as
// parsedcomment keep their bytes.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// MsgpackCodec trades readability of the feed keys for smaller entries. It
// encodes the same object the JSON codec produces, so upstream fields survive.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(rec EnrichedRecord) ([]byte, error) {
	b, err := JSONCodec{}.Marshal(rec)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var object map[string]any
	if err := dec.Decode(&object); err != nil {
		return nil, err
	}
	return msgpack.Marshal(plainNumbers(object))
}

func (MsgpackCodec) Unmarshal(b []byte, rec *EnrichedRecord) error {
	var object map[string]any
	if err := msgpack.Unmarshal(b, &object); err != nil {
		return err
	}
	jb, err := encodeJSON(object)
	if err != nil {
		return err
	}
	return JSONCodec{}.Unmarshal(jb, rec)
}

// plainNumbers replaces json.Number with int64 or float64 so msgpack stores
// numbers as numbers.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = plainNumbers(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = plainNumbers(x)
		}
		return t
	}
	return v
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown feed codec %q", name)
	}
}
