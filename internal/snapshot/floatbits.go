package snapshot

import "math"

func uint32frombits(f float32) uint32 { return math.Float32bits(f) }

func float32frombits(v uint32) float32 { return math.Float32frombits(v) }
