package quadem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidParam is returned for unknown parameter names, wrong kinds and
// out-of-range addresses.
var ErrInvalidParam = errors.New("invalid parameter")

// Param names are the quadEM drvInfo strings, so existing control-system
// databases map onto them one-to-one.
type Param string

const (
	ParamAcquire         Param = "QE_ACQUIRE"
	ParamAcquireMode     Param = "QE_ACQUIRE_MODE"
	ParamNumAcquire      Param = "QE_NUM_ACQUIRE"
	ParamNumAcquired     Param = "QE_NUM_ACQUIRED"
	ParamReadData        Param = "QE_READ_DATA"
	ParamAveragingTime   Param = "QE_AVERAGING_TIME"
	ParamSampleTime      Param = "QE_SAMPLE_TIME"
	ParamNumAverage      Param = "QE_NUM_AVERAGE"
	ParamNumChannels     Param = "QE_NUM_CHANNELS"
	ParamGeometry        Param = "QE_GEOMETRY"
	ParamCurrentOffset   Param = "QE_CURRENT_OFFSET"
	ParamCurrentScale    Param = "QE_CURRENT_SCALE"
	ParamPositionOffset  Param = "QE_POSITION_OFFSET"
	ParamPositionScale   Param = "QE_POSITION_SCALE"
	ParamRingOverflows   Param = "QE_RING_OVERFLOWS"
	ParamDoubleData      Param = "QE_DOUBLE_DATA"
	ParamRange           Param = "QE_RANGE"
	ParamPingPong        Param = "QE_PING_PONG"
	ParamIntegrationTime Param = "QE_INTEGRATION_TIME"
	ParamBiasState       Param = "QE_BIAS_STATE"
	ParamBiasVoltage     Param = "QE_BIAS_VOLTAGE"
	ParamResolution      Param = "QE_RESOLUTION"
	ParamTriggerMode     Param = "QE_TRIGGER_MODE"
	ParamValuesPerRead   Param = "QE_VALUES_PER_READ"
	ParamReset           Param = "QE_RESET"
	ParamModel           Param = "QE_MODEL"
	ParamFirmware        Param = "QE_FIRMWARE"
)

// Kind is the value type of a parameter.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return "unknown"
}

type paramDef struct {
	kind  Kind
	addrs int
}

var paramDefs = map[Param]paramDef{
	ParamAcquire:         {KindInt, 1},
	ParamAcquireMode:     {KindInt, 1},
	ParamNumAcquire:      {KindInt, 1},
	ParamNumAcquired:     {KindInt, 1},
	ParamReadData:        {KindInt, 1},
	ParamAveragingTime:   {KindFloat, 1},
	ParamSampleTime:      {KindFloat, 1},
	ParamNumAverage:      {KindInt, 1},
	ParamNumChannels:     {KindInt, 1},
	ParamGeometry:        {KindInt, 1},
	ParamCurrentOffset:   {KindFloat, NumCurrents},
	ParamCurrentScale:    {KindFloat, NumCurrents},
	ParamPositionOffset:  {KindFloat, 2},
	ParamPositionScale:   {KindFloat, 2},
	ParamRingOverflows:   {KindInt, 1},
	ParamDoubleData:      {KindFloat, NumFields},
	ParamRange:           {KindInt, 1},
	ParamPingPong:        {KindInt, 1},
	ParamIntegrationTime: {KindFloat, 1},
	ParamBiasState:       {KindInt, 1},
	ParamBiasVoltage:     {KindFloat, 1},
	ParamResolution:      {KindInt, 1},
	ParamTriggerMode:     {KindInt, 1},
	ParamValuesPerRead:   {KindInt, 1},
	ParamReset:           {KindInt, 1},
	ParamModel:           {KindString, 1},
	ParamFirmware:        {KindString, 1},
}

// KindOf returns the kind of p.
func KindOf(p Param) (Kind, error) {
	def, ok := paramDefs[p]
	if !ok {
		return 0, fmt.Errorf("%w: unknown name %q", ErrInvalidParam, p)
	}
	return def.kind, nil
}

// Addrs returns how many addresses p has.
func Addrs(p Param) int {
	return paramDefs[p].addrs
}

// Trigger modes understood by the core. Only ExtBulb changes core
// behaviour: batches then flush on the trigger's falling edge.
const (
	TriggerFreeRun = iota
	TriggerSoftware
	TriggerExtTrigger
	TriggerExtBulb
	TriggerExtGate
)

type paramKey struct {
	p    Param
	addr int
}

// ParamValue is one entry of a Snapshot.
type ParamValue struct {
	Name  Param   `json:"name"`
	Addr  int     `json:"addr"`
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
	Text  string  `json:"text,omitempty"`
}

// ParamCallback is invoked after a parameter value changes.
type ParamCallback func(p Param, addr int)

// Params is the parameter library: typed values addressed by name and
// channel, with change callbacks. Callbacks run outside the store's lock.
type Params struct {
	mu        sync.RWMutex
	nums      map[paramKey]float64
	strs      map[paramKey]string
	callbacks []ParamCallback
}

// NewParams creates a store with every parameter at its zero value.
func NewParams() *Params {
	ps := &Params{
		nums: make(map[paramKey]float64),
		strs: make(map[paramKey]string),
	}
	for p, def := range paramDefs {
		for a := 0; a < def.addrs; a++ {
			if def.kind == KindString {
				ps.strs[paramKey{p, a}] = ""
			} else {
				ps.nums[paramKey{p, a}] = 0
			}
		}
	}
	return ps
}

func check(p Param, addr int, want ...Kind) error {
	def, ok := paramDefs[p]
	if !ok {
		return fmt.Errorf("%w: unknown name %q", ErrInvalidParam, p)
	}
	if addr < 0 || addr >= def.addrs {
		return fmt.Errorf("%w: %s has no address %d", ErrInvalidParam, p, addr)
	}
	for _, k := range want {
		if def.kind == k {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is a %s parameter", ErrInvalidParam, p, def.kind)
}

// Subscribe registers fn for change notifications.
func (ps *Params) Subscribe(fn ParamCallback) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.callbacks = append(ps.callbacks, fn)
}

func (ps *Params) notify(p Param, addr int) {
	ps.mu.RLock()
	cbs := ps.callbacks
	ps.mu.RUnlock()
	for _, fn := range cbs {
		fn(p, addr)
	}
}

func (ps *Params) setNum(p Param, addr int, v float64, kinds ...Kind) error {
	if err := check(p, addr, kinds...); err != nil {
		return err
	}
	ps.mu.Lock()
	k := paramKey{p, addr}
	changed := ps.nums[k] != v
	ps.nums[k] = v
	ps.mu.Unlock()
	if changed {
		ps.notify(p, addr)
	}
	return nil
}

func (ps *Params) num(p Param, addr int) float64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.nums[paramKey{p, addr}]
}

// SetInt stores an integer parameter.
func (ps *Params) SetInt(p Param, addr int, v int) error {
	return ps.setNum(p, addr, float64(v), KindInt)
}

// SetFloat stores a float parameter. Integer parameters accept floats,
// truncated toward zero.
func (ps *Params) SetFloat(p Param, addr int, v float64) error {
	if kind, err := KindOf(p); err == nil && kind == KindInt {
		v = float64(int(v))
	}
	return ps.setNum(p, addr, v, KindFloat, KindInt)
}

// SetText stores a string parameter.
func (ps *Params) SetText(p Param, addr int, v string) error {
	if err := check(p, addr, KindString); err != nil {
		return err
	}
	ps.mu.Lock()
	k := paramKey{p, addr}
	changed := ps.strs[k] != v
	ps.strs[k] = v
	ps.mu.Unlock()
	if changed {
		ps.notify(p, addr)
	}
	return nil
}

// Int returns an integer parameter, 0 if unknown.
func (ps *Params) Int(p Param, addr int) int {
	return int(ps.num(p, addr))
}

// Float returns a numeric parameter, 0 if unknown.
func (ps *Params) Float(p Param, addr int) float64 {
	return ps.num(p, addr)
}

// Text returns a string parameter, "" if unknown.
func (ps *Params) Text(p Param, addr int) string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.strs[paramKey{p, addr}]
}

// Snapshot lists every parameter, sorted by name then address.
func (ps *Params) Snapshot() []ParamValue {
	ps.mu.RLock()
	out := make([]ParamValue, 0, len(ps.nums)+len(ps.strs))
	for k, v := range ps.nums {
		out = append(out, ParamValue{Name: k.p, Addr: k.addr, Kind: paramDefs[k.p].kind.String(), Value: v})
	}
	for k, v := range ps.strs {
		out = append(out, ParamValue{Name: k.p, Addr: k.addr, Kind: KindString.String(), Text: v})
	}
	ps.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}
