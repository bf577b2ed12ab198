package ring

import "math"

// WordFromFloat32 packs a float32 sample into a ring Word. The ring never
// interprets slot contents (§4.A) — this conversion lives beside it only
// because every producer/consumer pair in this repo happens to traffic in
// float32 samples.
func WordFromFloat32(f float32) Word {
	return Word(math.Float32bits(f))
}

// Float32FromWord is the inverse of WordFromFloat32.
func Float32FromWord(w Word) float32 {
	return math.Float32frombits(uint32(w))
}
