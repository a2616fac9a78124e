package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	t.Parallel()

	w := 2 * time.Second
	base := time.UnixMilli(1_700_000_000_000).UTC() // even multiple of 2000ms

	cases := []struct {
		at   time.Time
		want time.Time
	}{
		{base, base},
		{base.Add(1 * time.Millisecond), base},
		{base.Add(1999 * time.Millisecond), base},
		{base.Add(2000 * time.Millisecond), base.Add(2 * time.Second)},
	}
	for _, tc := range cases {
		if got := WindowStart(tc.at, w); !got.Equal(tc.want) {
			t.Errorf("WindowStart(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestMakeGroupKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 30, 14, 0, time.UTC)
	got := MakeGroupKey("whale-1", "tok-9", BUY, at)
	want := "whale-1:tok-9:BUY:2024-03-01T12:30:14.000Z"
	if got != want {
		t.Errorf("MakeGroupKey = %q, want %q", got, want)
	}
}

func TestPendingTradeEventTokenID(t *testing.T) {
	t.Parallel()

	e := PendingTradeEvent{AssetID: "api-id", RawTokenID: "chain-id"}
	if e.TokenID() != "chain-id" {
		t.Error("raw token id should win when present")
	}
	e.RawTokenID = ""
	if e.TokenID() != "api-id" {
		t.Error("asset id should be the fallback")
	}
}

func TestLevelSetUnmarshalArrayForm(t *testing.T) {
	t.Parallel()

	var ls LevelSet
	if err := json.Unmarshal([]byte(`[{"price":"0.55","size":"100"},{"price":"0.56","size":"0"}]`), &ls); err != nil {
		t.Fatal(err)
	}
	if len(ls) != 2 || ls[0].Price != "0.55" || ls[1].Size != "0" {
		t.Errorf("unexpected levels: %+v", ls)
	}
}

func TestLevelSetUnmarshalMapForm(t *testing.T) {
	t.Parallel()

	var ls LevelSet
	if err := json.Unmarshal([]byte(`{"0.55":"100","0.60":"25"}`), &ls); err != nil {
		t.Fatal(err)
	}
	if len(ls) != 2 {
		t.Fatalf("want 2 levels, got %d", len(ls))
	}
	seen := map[string]string{}
	for _, l := range ls {
		seen[l.Price] = l.Size
	}
	if seen["0.55"] != "100" || seen["0.60"] != "25" {
		t.Errorf("unexpected levels: %v", seen)
	}
}

func TestLevelSetUnmarshalNull(t *testing.T) {
	t.Parallel()

	ls := LevelSet{{Price: "stale"}}
	if err := json.Unmarshal([]byte(`null`), &ls); err != nil {
		t.Fatal(err)
	}
	if ls != nil {
		t.Errorf("null should reset the set, got %+v", ls)
	}
}

func TestBookFreshness(t *testing.T) {
	t.Parallel()

	var b Book
	if b.Initialized() {
		t.Error("zero book must not be initialized")
	}
	if b.FreshAt(1_000, 2_000) {
		t.Error("uninitialized book can never be fresh")
	}

	b.UpdatedAtMs = 10_000
	if !b.FreshAt(11_999, 2_000) {
		t.Error("book within threshold should be fresh")
	}
	if b.FreshAt(12_000, 2_000) {
		t.Error("freshness interval is half-open")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite is not an involution")
	}
}
