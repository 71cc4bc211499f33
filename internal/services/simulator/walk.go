package simulator

import (
	"math/rand"
	"sync"
	"time"
)

type Rand interface {
	Float64() float64
	Intn(n int) int
}

type WalkConfig struct {
	OriginLatitude  float64 // default: 15.5
	OriginLongitude float64 // default: 77.5

	Radius float64 // градусы, default: 0.5
	Step   float64 // максимальный шаг за отчёт, default: 0.001

	ChargeChance float64 // вероятность что питание включено, default: 0.9
}

func DefaultWalkConfig() WalkConfig {
	return WalkConfig{
		OriginLatitude:  15.5,
		OriginLongitude: 77.5,
		Radius:          0.5,
		Step:            0.001,
		ChargeChance:    0.9,
	}
}

type deviceState struct {
	lat     float64
	lon     float64
	battery int
}

// Walker держит текущее положение каждого устройства и сдвигает его на
// случайный шаг внутри квадрата вокруг origin.
type Walker struct {
	cfg WalkConfig

	mu     sync.Mutex
	r      Rand
	states map[string]*deviceState
}

func NewWalker(cfg WalkConfig, r Rand) *Walker {
	def := DefaultWalkConfig()
	if cfg.OriginLatitude == 0 && cfg.OriginLongitude == 0 {
		cfg.OriginLatitude = def.OriginLatitude
		cfg.OriginLongitude = def.OriginLongitude
	}
	if cfg.Radius <= 0 {
		cfg.Radius = def.Radius
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.ChargeChance <= 0 || cfg.ChargeChance > 1 {
		cfg.ChargeChance = def.ChargeChance
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Walker{cfg: cfg, r: r, states: make(map[string]*deviceState)}
}

type Fix struct {
	Latitude  float64
	Longitude float64
	MainPower bool
	Battery   int
}

// Next returns the device's next position. The first call for a device
// places it uniformly inside the square.
func (w *Walker) Next(deviceID string) Fix {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.states[deviceID]
	if !ok {
		st = &deviceState{
			lat:     w.cfg.OriginLatitude + w.spread(w.cfg.Radius),
			lon:     w.cfg.OriginLongitude + w.spread(w.cfg.Radius),
			battery: w.r.Intn(101),
		}
		w.states[deviceID] = st
	} else {
		st.lat = clamp(st.lat+w.spread(w.cfg.Step), w.cfg.OriginLatitude-w.cfg.Radius, w.cfg.OriginLatitude+w.cfg.Radius)
		st.lon = clamp(st.lon+w.spread(w.cfg.Step), w.cfg.OriginLongitude-w.cfg.Radius, w.cfg.OriginLongitude+w.cfg.Radius)
	}

	main := w.r.Float64() < w.cfg.ChargeChance
	if main {
		st.battery++
	} else {
		st.battery--
	}
	if st.battery > 100 {
		st.battery = 100
	}
	if st.battery < 0 {
		st.battery = 0
	}

	return Fix{
		Latitude:  round6(st.lat),
		Longitude: round6(st.lon),
		MainPower: main,
		Battery:   st.battery,
	}
}

// spread: равномерно в [-d, d].
func (w *Walker) spread(d float64) float64 {
	return (w.r.Float64()*2 - 1) * d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round6(v float64) float64 {
	const k = 1e6
	if v < 0 {
		return float64(int64(v*k-0.5)) / k
	}
	return float64(int64(v*k+0.5)) / k
}
