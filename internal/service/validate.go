package service

import "fmt"

const maxQueueNameLen = 260

// validateQueueName enforces the identifier charset. The forward slash is the
// keyspace separator and must never appear in a queue name.
func validateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("queue name required")
	}
	if len(name) > maxQueueNameLen {
		return fmt.Errorf("queue name exceeds %d characters", maxQueueNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("queue name contains invalid character %q", c)
		}
	}
	return nil
}

// validateProperties restricts application properties to scalar values so
// they survive the store codec without surprises.
func validateProperties(props map[string]any) error {
	for k, v := range props {
		if k == "" {
			return fmt.Errorf("property key required")
		}
		switch v.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("property %q has unsupported type %T", k, v)
		}
	}
	return nil
}
