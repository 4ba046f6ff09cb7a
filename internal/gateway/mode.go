// Package gateway is the HTTP client adapter for the retrieval service.
package gateway

import (
	"fmt"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// Mode selects the retrieval strategy on the service side.
type Mode string

const (
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
	ModeHybrid  Mode = "hybrid"
)

// Modes lists all retrieval modes in benchmark declaration order.
func Modes() []Mode {
	return []Mode{ModeLexical, ModeVector, ModeHybrid}
}

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLexical, ModeVector, ModeHybrid:
		return Mode(s), nil
	default:
		return "", errors.InvalidRequestError(
			fmt.Sprintf("unknown retrieval mode %q (expected lexical, vector or hybrid)", s))
	}
}

func (m Mode) String() string {
	return string(m)
}
