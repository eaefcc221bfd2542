package mutate

// Deterministic stages walk the buffer exhaustively in a fixed order (spec
// §4.7 step order: bit flips, byte flips building the effector map, word
// and dword flips, arithmetic, interesting values, dictionary). Every
// stage restores buf to its pre-stage content before returning so repeated
// stages never compound.

// flipBits XORs width consecutive bits starting at absolute bit offset
// bitStart.
func flipBits(buf []byte, bitStart, width int) {
	for i := 0; i < width; i++ {
		bit := bitStart + i
		buf[bit/8] ^= 1 << uint(bit%8)
	}
}

// WalkingBitFlipStage performs the 1/1, 2/1, or 4/1 walking bit flip
// (width is the number of bits flipped per step, stepped one bit at a
// time) over the whole buffer.
func WalkingBitFlipStage(buf []byte, width int, exec Executor) error {
	nbits := len(buf) * 8
	for bit := 0; bit+width <= nbits; bit++ {
		flipBits(buf, bit, width)
		_, _, err := exec.Run(buf)
		flipBits(buf, bit, width)
		if err != nil {
			return err
		}
	}
	return nil
}

// ByteFlipStage performs the 8/8 walking byte flip and builds the
// effector map: any byte whose full flip does not change the trace
// checksum relative to the pre-stage baseline is marked ineffective
// (spec §4.7, test scenario S2).
func ByteFlipStage(buf []byte, exec Executor) (*EffectorMap, error) {
	baseline, _, err := exec.Run(buf)
	if err != nil {
		return nil, err
	}
	eff := NewEffectorMap(len(buf))
	for i := range buf {
		orig := buf[i]
		buf[i] = ^orig
		cksum, _, err := exec.Run(buf)
		buf[i] = orig
		if err != nil {
			return nil, err
		}
		if cksum == baseline {
			eff.MarkIneffective(i)
		}
	}
	return eff, nil
}

// WordFlipStage performs the 16/8 or 32/8 walking flip (width in bytes),
// skipping spans the effector map marks entirely ineffective.
func WordFlipStage(buf []byte, width int, eff *EffectorMap, exec Executor) error {
	for i := 0; i+width <= len(buf); i++ {
		if !eff.AnyEffective(i, width) {
			continue
		}
		orig := append([]byte(nil), buf[i:i+width]...)
		for j := 0; j < width; j++ {
			buf[i+j] = ^buf[i+j]
		}
		_, _, err := exec.Run(buf)
		copy(buf[i:i+width], orig)
		if err != nil {
			return err
		}
	}
	return nil
}

func arithVariants8(orig uint8) []uint8 {
	var out []uint8
	for d := 1; d <= ArithMax; d++ {
		out = append(out, orig+uint8(d), orig-uint8(d))
	}
	return out
}

// Arith8Stage tries orig+d and orig-d for d in [1, ARITH_MAX] at every
// effective byte offset.
func Arith8Stage(buf []byte, eff *EffectorMap, exec Executor) error {
	for i := range buf {
		if !eff.IsEffective(i) {
			continue
		}
		orig := buf[i]
		for _, v := range arithVariants8(orig) {
			if v == orig {
				continue
			}
			buf[i] = v
			_, _, err := exec.Run(buf)
			buf[i] = orig
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ArithWideStage tries orig+d and orig-d for d in [1, ARITH_MAX] at every
// effective width-byte (2 or 4) offset, in both endiannesses, for the
// 16-bit/32-bit arithmetic stages.
func ArithWideStage(buf []byte, width int, eff *EffectorMap, exec Executor) error {
	for i := 0; i+width <= len(buf); i++ {
		if !eff.AnyEffective(i, width) {
			continue
		}
		for _, be := range [2]bool{false, true} {
			var orig uint32
			if width == 2 {
				orig = uint32(get16(buf, i, be))
			} else {
				orig = get32(buf, i, be)
			}
			for d := 1; d <= ArithMax; d++ {
				for _, v := range [2]uint32{orig + uint32(d), orig - uint32(d)} {
					if v == orig {
						continue
					}
					if width == 2 {
						put16(buf, i, uint16(v), be)
					} else {
						put32(buf, i, v, be)
					}
					_, _, err := exec.Run(buf)
					if width == 2 {
						put16(buf, i, uint16(orig), be)
					} else {
						put32(buf, i, orig, be)
					}
					if err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// Interesting8Stage overwrites every effective byte with each value from
// the INTERESTING_8 table.
func Interesting8Stage(buf []byte, eff *EffectorMap, exec Executor) error {
	for i := range buf {
		if !eff.IsEffective(i) {
			continue
		}
		orig := buf[i]
		for _, v := range Interesting8 {
			nv := uint8(v)
			if nv == orig {
				continue
			}
			buf[i] = nv
			_, _, err := exec.Run(buf)
			buf[i] = orig
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// InterestingWideStage overwrites every effective width-byte span with
// each INTERESTING_16/INTERESTING_32 value, in both endiannesses.
func InterestingWideStage(buf []byte, width int, eff *EffectorMap, exec Executor) error {
	var table []int32
	if width == 2 {
		for _, v := range Interesting16 {
			table = append(table, int32(v))
		}
	} else {
		table = Interesting32
	}
	for i := 0; i+width <= len(buf); i++ {
		if !eff.AnyEffective(i, width) {
			continue
		}
		for _, be := range [2]bool{false, true} {
			var orig uint32
			if width == 2 {
				orig = uint32(get16(buf, i, be))
			} else {
				orig = get32(buf, i, be)
			}
			for _, v := range table {
				nv := uint32(v)
				if width == 2 {
					nv &= 0xFFFF
				}
				if nv == orig {
					continue
				}
				if width == 2 {
					put16(buf, i, uint16(nv), be)
				} else {
					put32(buf, i, nv, be)
				}
				_, _, err := exec.Run(buf)
				if width == 2 {
					put16(buf, i, uint16(orig), be)
				} else {
					put32(buf, i, orig, be)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DictOverwriteStage overwrites, at every offset a token fits, the buffer
// bytes with that token's content.
func DictOverwriteStage(buf []byte, dict *Dictionary, exec Executor) error {
	for _, tok := range allTokens(dict) {
		if len(tok) == 0 || len(tok) > len(buf) {
			continue
		}
		for pos := 0; pos+len(tok) <= len(buf); pos++ {
			orig := append([]byte(nil), buf[pos:pos+len(tok)]...)
			copy(buf[pos:pos+len(tok)], tok)
			_, _, err := exec.Run(buf)
			copy(buf[pos:pos+len(tok)], orig)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DictInsertStage runs one trial per (token, insertion point) pair. Unlike
// the other stages it changes buffer length, so it hands Executor a fresh
// trial slice each time rather than mutating buf in place.
func DictInsertStage(buf []byte, dict *Dictionary, exec Executor) error {
	for _, tok := range allTokens(dict) {
		for pos := 0; pos <= len(buf); pos++ {
			trial := make([]byte, 0, len(buf)+len(tok))
			trial = append(trial, buf[:pos]...)
			trial = append(trial, tok...)
			trial = append(trial, buf[pos:]...)
			if _, _, err := exec.Run(trial); err != nil {
				return err
			}
		}
	}
	return nil
}

func allTokens(dict *Dictionary) [][]byte {
	if dict == nil {
		return nil
	}
	out := make([][]byte, 0, len(dict.UserExtras)+len(dict.AutoExtras))
	out = append(out, dict.UserExtras...)
	out = append(out, dict.AutoExtras...)
	return out
}
