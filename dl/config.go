package dl

import (
	"github.com/timerzz/xload/resource"
)

type Config struct {
	// Priority orders the transfer against others sharing a Registrar.
	// Negative priorities queue behind non-negative ones of the same magnitude.
	Priority int8
	// Ordered hands finished parts to Network.ProcessPart in part order.
	Ordered bool
	// MaxLimit is the budget of the Registrar. Moving the streaming window
	// keeps at most MaxLimit/PartSize parts in flight.
	MaxLimit int64
}

func (c Config) withDefaults() Config {
	if c.MaxLimit <= 0 {
		c.MaxLimit = resource.DefaultMaxLimit
	}
	return c
}
