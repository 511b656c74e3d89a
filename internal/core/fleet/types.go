package fleet

import (
	"encoding/json"
	"math"
	"strconv"
)

// Value is one metric reading. Agents send numbers and strings
// interchangeably; any other JSON shape is kept in its raw text form so an
// agent-side vocabulary change never breaks ingestion.
type Value struct {
	num   float64
	str   string
	isNum bool
}

func Num(f float64) Value { return Value{num: f, isNum: true} }
func Str(s string) Value  { return Value{str: s} }

// Float reports the numeric reading, false for string values.
func (v Value) Float() (float64, bool) { return v.num, v.isNum }

func (v Value) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.str
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isNum {
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return json.Marshal(v.String())
		}
		return json.Marshal(v.num)
	}
	return json.Marshal(v.str)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*v = Num(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = Str(s)
		return nil
	}
	*v = Str(string(b))
	return nil
}

// Metrics is the open metric map. Keys are never enumerated or validated
// server-side; only "ts" is special-cased for timestamp derivation.
type Metrics map[string]Value

func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	cp := make(Metrics, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Float reads a numeric metric by name.
func (m Metrics) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Snapshot is the latest known state for one miner. At most one Snapshot
// exists per id; upserts replace it wholesale, never merge.
type Snapshot struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Coin    string  `json:"coin"`
	LastTS  int64   `json:"last_ts"`
	Metrics Metrics `json:"metrics"`
}

// HistoryPoint is one charting sample: the metric map at ingestion time
// tagged with the resolved timestamp. On the wire it is flat,
// {"ts": <epoch-ms>, "<metric>": <value>, ...}, with the resolved ts
// winning over any ts key inside the metrics.
type HistoryPoint struct {
	TS      int64
	Metrics Metrics
}

func (p HistoryPoint) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(p.Metrics)+1)
	for k, v := range p.Metrics {
		flat[k] = v
	}
	flat["ts"] = p.TS
	return json.Marshal(flat)
}

func (p *HistoryPoint) UnmarshalJSON(b []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["ts"]; ok {
		if f, isNum := v.Float(); isNum {
			p.TS = int64(f)
		}
		delete(raw, "ts")
	}
	p.Metrics = Metrics(raw)
	return nil
}
