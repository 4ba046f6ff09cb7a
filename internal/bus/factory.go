package bus

import (
	"fmt"
	"strings"

	"github.com/trecbench/trecbench/internal/config"
	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// NewBus creates a Bus instance based on the configuration. Type
// "none" disables event publishing and returns a nil Bus. A configured
// journal path wraps the bus so every published event is recorded.
func NewBus(cfg config.BusConfig) (Bus, error) {
	var inner Bus

	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		inner = NewMemoryBus()

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		kafkaBus, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: "trecbench",
			ClientID:      "trecbench-bus",
		})
		if err != nil {
			return nil, err
		}
		inner = kafkaBus

	case "none":
		return nil, nil

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.JournalPath == "" {
		return inner, nil
	}

	journal, err := NewJournal(cfg.JournalPath, true)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return NewJournaledBus(inner, journal, nil), nil
}
