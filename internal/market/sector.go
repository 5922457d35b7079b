package market

import (
	"context"
	"strings"
)

// StaticSectors is a fallback sector map for large-cap NSE names
var StaticSectors = map[string]string{
	// IT
	"TCS": "IT", "INFY": "IT", "WIPRO": "IT", "HCLTECH": "IT", "TECHM": "IT", "LTIM": "IT",

	// Banking
	"HDFCBANK": "Banking", "ICICIBANK": "Banking", "SBIN": "Banking", "KOTAKBANK": "Banking", "AXISBANK": "Banking",

	// Energy
	"RELIANCE": "Energy", "ONGC": "Energy", "NTPC": "Energy", "POWERGRID": "Energy", "BPCL": "Energy",

	// Auto
	"MARUTI": "Auto", "TATAMOTORS": "Auto", "M&M": "Auto", "BAJAJ-AUTO": "Auto", "EICHERMOT": "Auto",

	// Pharma
	"SUNPHARMA": "Pharma", "DRREDDY": "Pharma", "CIPLA": "Pharma", "DIVISLAB": "Pharma",

	// FMCG
	"HINDUNILVR": "FMCG", "ITC": "FMCG", "NESTLEIND": "FMCG", "BRITANNIA": "FMCG",
}

// StaticSectorLookup resolves sectors from the instrument itself, then StaticSectors
type StaticSectorLookup struct{}

func (StaticSectorLookup) SectorFor(_ context.Context, inst Instrument) (string, bool) {
	if inst.Sector != "" {
		return inst.Sector, true
	}
	if sector, ok := StaticSectors[strings.ToUpper(inst.Symbol)]; ok {
		return sector, true
	}
	return "", false
}

// ChainSectorLookup tries each lookup in order
type ChainSectorLookup []SectorLookup

func (c ChainSectorLookup) SectorFor(ctx context.Context, inst Instrument) (string, bool) {
	for _, l := range c {
		if l == nil {
			continue
		}
		if sector, ok := l.SectorFor(ctx, inst); ok {
			return sector, true
		}
	}
	return "", false
}
