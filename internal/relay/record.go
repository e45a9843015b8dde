package relay

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

// Record is telemetry assembled during one cycle.
// Absent fields are omitted from encodings, never carried from previous cycle.
type Record struct {
	fields map[string]interface{}
}

func NewRecord() *Record { return &Record{fields: make(map[string]interface{})} }

// Set ignores NaN and infinity, encodings can not carry them.
func (self *Record) Set(key string, value interface{}) {
	if !finite(value) {
		return
	}
	self.fields[key] = value
}

func (self *Record) Merge(m map[string]interface{}) {
	for k, v := range m {
		self.Set(k, v)
	}
}

func (self *Record) Get(key string) (interface{}, bool) {
	v, ok := self.fields[key]
	return v, ok
}

func (self *Record) Len() int { return len(self.fields) }

// Keys are sorted.
func (self *Record) Keys() []string {
	keys := make([]string, 0, len(self.fields))
	for k := range self.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy.
func (self *Record) Fields() map[string]interface{} {
	m := make(map[string]interface{}, len(self.fields))
	for k, v := range self.fields {
		m[k] = v
	}
	return m
}

func (self *Record) Reset() {
	for k := range self.fields {
		delete(self.fields, k)
	}
}

func (self *Record) MarshalJSON() ([]byte, error) { return json.Marshal(self.fields) }

var cborMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("code error cbor options: " + err.Error())
	}
	return em
}()

// MarshalCBOR uses deterministic encoding, same record gives same bytes.
func (self *Record) MarshalCBOR() ([]byte, error) { return cborMode.Marshal(self.fields) }

func (self *Record) Encode(format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return self.MarshalJSON()
	case FormatCBOR:
		return self.MarshalCBOR()
	}
	return nil, errors.NotSupportedf("record format=%s", format)
}

const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// ParseResponse converts peripheral response to record fields.
// JSON object merges all its keys, otherwise whole response is one value under field:
// number when parseable, text otherwise. Empty response gives no fields.
func ParseResponse(field string, b []byte) map[string]interface{} {
	b = bytes.TrimSpace(bytes.TrimRight(b, "\x00"))
	if len(b) == 0 {
		return nil
	}
	if b[0] == '{' {
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err == nil {
			return m
		}
	}
	if field == "" {
		return nil
	}
	s := string(b)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// failed sensor read prints nan
		if !finite(f) {
			return nil
		}
		return map[string]interface{}{field: f}
	}
	return map[string]interface{}{field: s}
}

func finite(v interface{}) bool {
	switch x := v.(type) {
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
	}
	return true
}
