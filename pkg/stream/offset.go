package stream

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// Offset selects where a consumer group starts reading a partition it has no
// committed offset for.
type Offset string

const (
	OffsetEarliest Offset = "earliest"
	OffsetLatest   Offset = "latest"
)

// ParseOffset accepts earliest/latest and the kafkajs-style aliases beginning/end.
func ParseOffset(s string) (Offset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earliest", "oldest", "beginning", "":
		return OffsetEarliest, nil
	case "latest", "newest", "end":
		return OffsetLatest, nil
	default:
		return "", fmt.Errorf("%w: unknown offset %q (want earliest or latest)", ErrInvalidArgument, s)
	}
}

// UnmarshalText lets config decoding accept the same spellings as ParseOffset.
func (o *Offset) UnmarshalText(text []byte) error {
	parsed, err := ParseOffset(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func (o Offset) initial() (int64, error) {
	switch o {
	case OffsetEarliest, "":
		return sarama.OffsetOldest, nil
	case OffsetLatest:
		return sarama.OffsetNewest, nil
	default:
		return 0, fmt.Errorf("%w: unknown offset %q", ErrInvalidArgument, string(o))
	}
}
