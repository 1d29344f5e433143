package tracking

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownSource = errors.New("unknown data source")

// Source selects where a subscription's telemetry comes from.
type Source int

const (
	SourceLive Source = iota
	SourceSimulated
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceSimulated:
		return "simulated"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return SourceLive, nil
	case "simulated", "sim", "demo":
		return SourceSimulated, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSource, s)
}
