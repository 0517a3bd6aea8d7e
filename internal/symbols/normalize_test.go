package symbols

import "testing"

func TestCanonicalAsset(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"XXBT", "BTC"},
		{"XBT", "BTC"},
		{"XDG", "DOGE"},
		{"XXDG", "DOGE"},
		{"XETH", "ETH"},
		{"ZUSD", "USD"},
		{"ZEUR", "EUR"},
		{"DOT.S", "DOT"},
		{"ETH2.S", "ETH"},
		{"ATOM.M", "ATOM"},
		{"USDT.F", "USDT"},
		{"KSM.P", "KSM"},
		{"PI_XBTUSD", "BTCUSD"},
		{"FI_ETHUSD", "ETHUSD"},
		{"LUNA2", "LUNA"},
		{"REPV2", "REP"},
		{"sol", "SOL"},
		{" ada ", "ADA"},
	}
	for _, tt := range tests {
		if got := CanonicalAsset(tt.in); got != tt.want {
			t.Errorf("CanonicalAsset(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitPair(t *testing.T) {
	if base, quote, ok := SplitPair("XBT/USD"); !ok || base != "XBT" || quote != "USD" {
		t.Errorf("SplitPair(XBT/USD)=%q,%q,%v", base, quote, ok)
	}
	if base, quote, ok := SplitPair("SOL-EUR"); !ok || base != "SOL" || quote != "EUR" {
		t.Errorf("SplitPair(SOL-EUR)=%q,%q,%v", base, quote, ok)
	}
	if _, _, ok := SplitPair("XXBTZUSD"); ok {
		t.Error("SplitPair should not split concatenated pairs")
	}
}

func testPairs() []PairInfo {
	return []PairInfo{
		{Name: "XXBTZUSD", WSName: "XBT/USD", Base: "XXBT", Quote: "ZUSD", Online: true},
		{Name: "XETHZUSD", WSName: "ETH/USD", Base: "XETH", Quote: "ZUSD", Online: true},
		{Name: "SOLUSD", WSName: "SOL/USD", Base: "SOL", Quote: "ZUSD", Online: true},
		{Name: "XDGUSD", WSName: "XDG/USD", Base: "XXDG", Quote: "ZUSD", Online: true},
		{Name: "ADAEUR", WSName: "ADA/EUR", Base: "ADA", Quote: "ZEUR", Online: true},
		{Name: "DELISTUSD", WSName: "DELIST/USD", Base: "DELIST", Quote: "ZUSD", Online: false},
	}
}

func TestMapNormalize(t *testing.T) {
	m := NewMap("USD")
	m.Rebuild(testPairs())

	tests := []struct {
		raw  string
		want string
	}{
		{"XXBTZUSD", "BTC"},
		{"XBT/USD", "BTC"},
		{"ETH/USD", "ETH"},
		{"SOLUSD", "SOL"},
		{"XDG/USD", "DOGE"},
	}
	for _, tt := range tests {
		got, ok := m.Normalize(tt.raw)
		if !ok || got != tt.want {
			t.Errorf("Normalize(%q)=%q,%v want %q", tt.raw, got, ok, tt.want)
		}
	}

	if _, ok := m.Normalize("ADA/EUR"); ok {
		t.Error("EUR quoted pair should not normalize in a USD map")
	}
	if _, ok := m.Normalize("DELISTUSD"); ok {
		t.Error("offline pair should not be in the map")
	}
	if _, ok := m.Normalize("GARBAGE"); ok {
		t.Error("unknown concatenated pair should not normalize")
	}
}

func TestMapInverseLookups(t *testing.T) {
	m := NewMap("USD")
	m.Rebuild(testPairs())

	if ws, ok := m.WSName("BTC"); !ok || ws != "XBT/USD" {
		t.Errorf("WSName(BTC)=%q,%v", ws, ok)
	}
	if rest, ok := m.RESTName("DOGE"); !ok || rest != "XDGUSD" {
		t.Errorf("RESTName(DOGE)=%q,%v", rest, ok)
	}
	if _, ok := m.WSName("ADA"); ok {
		t.Error("ADA has no USD pair, WSName should miss")
	}

	syms := m.Symbols()
	want := []string{"BTC", "DOGE", "ETH", "SOL"}
	if len(syms) != len(want) {
		t.Fatalf("Symbols()=%v want %v", syms, want)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Errorf("Symbols()[%d]=%q want %q", i, syms[i], want[i])
		}
	}
}
