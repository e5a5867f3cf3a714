package flashdump

import "time"

type flashParams struct {
	name string

	tRES1 time.Duration
	tDP   time.Duration
}

var (
	flashIDMicronN25Q32      = [3]byte{0x20, 0xBA, 0x16}
	flashIDWinbondW25Q128JVQ = [3]byte{0xEF, 0x40, 0x18}
	flashIDWinbondW25Q128JVM = [3]byte{0xEF, 0x70, 0x18}
)

var knownFlash = map[[3]byte]flashParams{
	flashIDMicronN25Q32: {
		name: "Micron N25Q 32Mb",
	},

	// [W25Q128|9.6 AC Electrical Characteristics]:
	// tRES1: /CS High to Standby Mode without ID Read
	// tDP: /CS High to Power-down Mode
	flashIDWinbondW25Q128JVQ: {
		name:  "Winbond W25Q 128Mb",
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
	flashIDWinbondW25Q128JVM: {
		name:  "Winbond W25Q 128Mb DTR",
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
}

func (f *Flash) paramOrMax(get func(*flashParams) time.Duration) time.Duration {
	// get parameter if configured
	if f.pr != nil {
		return get(f.pr)
	}

	// fall back to maximum duration from all known flash parameters
	var tmax time.Duration
	for _, param := range knownFlash {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

func (f *Flash) tRES1() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tRES1 })
}
func (f *Flash) tDP() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tDP })
}
