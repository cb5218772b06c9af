package color

import (
	"errors"
	"fmt"
)

const (
	channelMax = 0xff

	// MaxColor is the largest valid 0xRRGGBB value.
	MaxColor = 0xffffff
)

// ErrExhausted is returned when a palette has no color left to hand out.
var ErrExhausted = errors.New("color: palette exhausted")

// Channel masks, applied in order: red, green, blue, red+green, red+blue, green+blue.
var phases = [...]uint32{0xff0000, 0x00ff00, 0x0000ff, 0xffff00, 0xff00ff, 0x00ffff}

// Config controls how a palette walks the RGB cube.
type Config struct {
	// InitialStep is the first channel intensity and the first accumulator increment.
	InitialStep uint32
	// StepDecrement shrinks the step every time the accumulator overflows a channel.
	StepDecrement uint32
	// MinStep is the smallest step still used; below it the palette is exhausted.
	MinStep uint32
}

func DefaultConfig() Config {
	return Config{
		InitialStep:   255,
		StepDecrement: 17,
		MinStep:       17,
	}
}

func (c Config) Validate() error {
	if c.InitialStep == 0 || c.InitialStep > channelMax {
		return fmt.Errorf("color: initial step %d out of range 1..%d", c.InitialStep, channelMax)
	}
	if c.MinStep == 0 || c.MinStep > c.InitialStep {
		return fmt.Errorf("color: min step %d out of range 1..%d", c.MinStep, c.InitialStep)
	}
	if c.StepDecrement == 0 {
		return errors.New("color: step decrement must be positive")
	}
	return nil
}

// Palette is the per-room color allocator. It mints colors deterministically
// and keeps the set of colors currently held by room members.
// A Palette is not safe for concurrent use.
type Palette struct {
	cfg      Config
	used     map[uint32]struct{}
	released []uint32

	// minted holds every color the generator produced; only those are
	// queued for reuse, each at most once.
	minted map[uint32]struct{}
	queued map[uint32]struct{}

	phase     int
	level     uint32
	step      uint32
	exhausted bool
}

func NewPalette(cfg Config) *Palette {
	return &Palette{
		cfg:  cfg,
		used:   make(map[uint32]struct{}),
		minted: make(map[uint32]struct{}),
		queued: make(map[uint32]struct{}),
		step:   cfg.InitialStep,
	}
}

// Acquire returns a color that no other member holds. A non-zero requested
// color is honored when it is a valid RGB value and still free.
func (p *Palette) Acquire(requested uint32) (uint32, error) {
	if requested != 0 && requested <= MaxColor && !p.InUse(requested) {
		p.used[requested] = struct{}{}
		return requested, nil
	}

	for {
		c, ok := p.mint()
		if !ok {
			break
		}
		if !p.InUse(c) {
			p.used[c] = struct{}{}
			return c, nil
		}
	}

	// Generator is spent: fall back on colors given back by departed members.
	for len(p.released) > 0 {
		c := p.released[len(p.released)-1]
		p.released = p.released[:len(p.released)-1]
		delete(p.queued, c)
		if !p.InUse(c) {
			p.used[c] = struct{}{}
			return c, nil
		}
	}

	return 0, ErrExhausted
}

// Release gives a color back. Releasing a color that is not held is a no-op.
// Requested colors the generator never produced are not queued for reuse.
func (p *Palette) Release(c uint32) {
	if _, ok := p.used[c]; !ok {
		return
	}
	delete(p.used, c)

	if _, ok := p.minted[c]; !ok {
		return
	}
	if _, ok := p.queued[c]; ok {
		return
	}
	p.queued[c] = struct{}{}
	p.released = append(p.released, c)
}

func (p *Palette) InUse(c uint32) bool {
	_, ok := p.used[c]
	return ok
}

// Len returns the number of colors currently held.
func (p *Palette) Len() int {
	return len(p.used)
}

// Exhausted reports whether the generator has run out of fresh colors.
func (p *Palette) Exhausted() bool {
	return p.exhausted
}

func (p *Palette) mint() (uint32, bool) {
	if p.exhausted {
		return 0, false
	}

	if p.phase == 0 {
		if p.level+p.step > channelMax {
			if p.step < p.cfg.MinStep+p.cfg.StepDecrement {
				p.exhausted = true
				return 0, false
			}
			p.step -= p.cfg.StepDecrement
			p.level = p.step
		} else {
			p.level += p.step
		}
	}

	c := (p.level<<16 | p.level<<8 | p.level) & phases[p.phase]
	p.phase = (p.phase + 1) % len(phases)
	p.minted[c] = struct{}{}
	return c, true
}
