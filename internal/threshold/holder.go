package threshold

import "sync/atomic"

// Holder publishes the live threshold configuration. Readers always see a
// complete Config; Store replaces it atomically, so an evaluation in flight
// keeps the config it started with.
type Holder struct {
	cfg atomic.Pointer[Config]
}

// NewHolder returns a holder publishing cfg. cfg is not validated here.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.cfg.Store(&cfg)
	return h
}

// Load returns the current configuration.
func (h *Holder) Load() Config {
	return *h.cfg.Load()
}

// Store validates and publishes cfg.
func (h *Holder) Store(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.cfg.Store(&cfg)
	return nil
}
