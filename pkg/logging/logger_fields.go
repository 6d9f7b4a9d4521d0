package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component field helpers for common component names
func Component(name string) Field {
	return String("component", name)
}

func Node(identity string) Field {
	return String("node", identity)
}

func Sequence(name string) Field {
	return String("sequence", name)
}

func LockName(name string) Field {
	return String("lock", name)
}

func Relation(id uint32) Field {
	return Field{Key: "relation", Value: id}
}

func LSN(lsn uint64) Field {
	return Uint64("lsn", lsn)
}

func WorkerSlot(idx int) Field {
	return Int("worker_slot", idx)
}

func ConflictType(t string) Field {
	return String("conflict_type", t)
}

func Resolution(r string) Field {
	return String("resolution", r)
}
