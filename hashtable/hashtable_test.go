package hashtable

import "fmt"
import "sync/atomic"
import "testing"

import "golang.org/x/sync/errgroup"

const SZ = 128

func TestSetGet(t *testing.T) {
	ht := MkHash[int, string](SZ)
	if _, ok := ht.Get(1); ok {
		t.Fatalf("phantom key")
	}
	if _, found := ht.Set(1, "one"); found {
		t.Fatalf("fresh insert found old value")
	}
	v, ok := ht.Get(1)
	if !ok || v != "one" {
		t.Fatalf("%v %v", v, ok)
	}
	old, found := ht.Set(1, "uno")
	if !found || old != "one" {
		t.Fatalf("overwrite: %v %v", old, found)
	}
	if v, _ := ht.Get(1); v != "uno" {
		t.Fatalf("%v", v)
	}
	if ht.Size() != 1 {
		t.Fatalf("size %d", ht.Size())
	}
}

func TestDel(t *testing.T) {
	ht := MkHash[int, int](4)
	// small table so the chains grow
	for i := 0; i < 100; i++ {
		ht.Set(i, i*i)
	}
	if ht.Size() != 100 {
		t.Fatalf("size %d", ht.Size())
	}
	for i := 0; i < 100; i += 2 {
		if !ht.Del(i) {
			t.Fatalf("%v key", i)
		}
	}
	if ht.Del(2) {
		t.Fatalf("deleted twice")
	}
	for i := 0; i < 100; i++ {
		v, ok := ht.Get(i)
		if i%2 == 0 {
			if ok {
				t.Fatalf("%v key survived", i)
			}
		} else if !ok || v != i*i {
			t.Fatalf("%v key lost", i)
		}
	}
	if ht.Size() != 50 {
		t.Fatalf("size %d", ht.Size())
	}
}

func TestIter(t *testing.T) {
	ht := MkHash[int, int](SZ)
	for i := 0; i < 10; i++ {
		ht.Set(i, i)
	}
	sum := 0
	ht.Iter(func(k, v int) bool {
		sum += v
		return false
	})
	if sum != 45 {
		t.Fatalf("sum %d", sum)
	}
	// early stop
	n := 0
	ht.Iter(func(k, v int) bool {
		n++
		return true
	})
	if n != 1 {
		t.Fatalf("iterated %d past stop", n)
	}
}

func TestConcurrent(t *testing.T) {
	const NPROC = 8
	const N = 1000

	ht := MkHash[string, int](SZ)
	var g errgroup.Group
	for p := 0; p < NPROC; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < N; i++ {
				k := fmt.Sprintf("k%d.%d", p, i)
				ht.Set(k, i)
				if v, ok := ht.Get(k); !ok || v != i {
					return fmt.Errorf("%v key", k)
				}
			}
			for i := 0; i < N; i += 2 {
				if !ht.Del(fmt.Sprintf("k%d.%d", p, i)) {
					return fmt.Errorf("del %d.%d", p, i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("%v", err)
	}
	if n := ht.Size(); n != NPROC*N/2 {
		t.Fatalf("size %d", n)
	}
	fmt.Printf("Pass TestConcurrent\n")
}

func TestReadersDuringWrites(t *testing.T) {
	const N = 5000

	ht := MkHash[int, int](16)
	for i := 0; i < 100; i++ {
		ht.Set(i, i)
	}
	var done int32
	var g errgroup.Group
	// churn one half of the key space
	g.Go(func() error {
		for i := 0; i < N; i++ {
			k := 100 + i%100
			ht.Set(k, i)
			ht.Del(k)
		}
		atomic.StoreInt32(&done, 1)
		return nil
	})
	// lock-free readers must always see the stable half
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for atomic.LoadInt32(&done) == 0 {
				for i := 0; i < 100; i++ {
					if v, ok := ht.Get(i); !ok || v != i {
						return fmt.Errorf("%v key", i)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("%v", err)
	}
}
