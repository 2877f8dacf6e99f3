package policy

import (
	"math/rand"
	"testing"
)

func TestLeastLoadFirstOccurrenceOnTie(t *testing.T) {
	loads := []int{2, 0, 0, 1}
	if got := leastLoad(loads, nil); got != 1 {
		t.Fatalf("leastLoad() = %d, want 1", got)
	}
}

func TestLRUAlwaysFront(t *testing.T) {
	loads := []int{5, 0, 9}
	if got := lru(loads, nil); got != 0 {
		t.Fatalf("lru() = %d, want 0", got)
	}
}

func TestPlainRandomInRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	loads := make([]int, 5)
	for i := 0; i < 100; i++ {
		idx := plainRandom(loads, rnd)
		if idx < 0 || idx >= len(loads) {
			t.Fatalf("plainRandom out of range: %d", idx)
		}
	}
}

func TestTwoBinPicksLesserIndex(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	mirror := rand.New(rand.NewSource(1))
	loads := make([]int, 4)
	for i := 0; i < 100; i++ {
		idx := twoBin(loads, rnd)
		if idx < 0 || idx >= len(loads) {
			t.Fatalf("twoBin out of range: %d", idx)
		}
		a, b := mirror.Intn(len(loads)), mirror.Intn(len(loads))
		want := a
		if b < a {
			want = b
		}
		if idx != want {
			t.Fatalf("twoBin() = %d, want lesser of draws %d and %d", idx, a, b)
		}
	}
}

func TestWeightedFavorsLowLoad(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	loads := []int{0, 1000}
	counts := map[int]int{}
	for i := 0; i < 2000; i++ {
		counts[weighted(loads, rnd)]++
	}
	if counts[0] <= counts[1] {
		t.Fatalf("expected weighted() to favor index 0 (load=0): counts=%v", counts)
	}
}

func TestLookupUnknownScheme(t *testing.T) {
	if _, err := Lookup("bogus"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
	if _, err := Lookup(LeastLoad); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTableCoversAllConfiguredSchemes(t *testing.T) {
	for _, name := range []Name{LeastLoad, Pure, LRU, PlainRand, Weighted, TwoBin} {
		if _, ok := Table[name]; !ok {
			t.Fatalf("policy table missing scheme %q", name)
		}
	}
}
