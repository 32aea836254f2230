package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/wilhg/pantrysync/pkg/store"
)

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 20; i++ {
		ep := fmt.Sprintf("/recipe/%d", i)
		p := json.RawMessage(fmt.Sprintf(`{"i":%d,"s":"é"}`, i))
		if err := s.Put(ctx, ep, p); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.Get(ctx, ep)
		if err != nil || !ok || string(got.Payload) != string(p) {
			t.Fatalf("%s: got=%s ok=%v err=%v", ep, got.Payload, ok, err)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Put(ctx, "/fridge/", json.RawMessage(`{"a":1}`))
	got, _, _ := s.Get(ctx, "/fridge/")
	got.Payload[2] = 'X'
	again, _, _ := s.Get(ctx, "/fridge/")
	if string(again.Payload) != `{"a":1}` {
		t.Fatalf("caller mutated stored payload: %s", again.Payload)
	}
}

func TestConcurrentUpdatesSameKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Put(ctx, "/fridge/", json.RawMessage(`0`))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Update(ctx, "/fridge/", func(cur json.RawMessage) (json.RawMessage, error) {
				var n int
				if err := json.Unmarshal(cur, &n); err != nil {
					return nil, err
				}
				return json.Marshal(n + 1)
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	got, _, _ := s.Get(ctx, "/fridge/")
	if string(got.Payload) != "50" {
		t.Fatalf("lost updates: %s", got.Payload)
	}
}

func TestConcurrentEnqueueGapless(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Enqueue(ctx, store.MethodPost, "/shopping/", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	pending, _ := s.ListPending(ctx)
	if len(pending) != 100 {
		t.Fatalf("len=%d", len(pending))
	}
	for i, m := range pending {
		if m.ID != int64(i+1) {
			t.Fatalf("gap at %d: id=%d", i, m.ID)
		}
	}
}

func TestMarkAndPurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Enqueue(ctx, store.MethodPost, "/fridge/", json.RawMessage(`{}`))
	b, _ := s.Enqueue(ctx, store.MethodDelete, "/recipe/1", nil)
	if err := s.MarkSynced(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Fatalf("pending=%d", n)
	}
	if s.Len() != 2 {
		t.Fatalf("synced rows must stay until purge, len=%d", s.Len())
	}
	if n, _ := s.PurgeSynced(ctx); n != 1 {
		t.Fatalf("purged=%d", n)
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending=%+v", pending)
	}
	if err := s.MarkSynced(ctx, 42); err == nil {
		t.Fatal("expected not_found")
	}
}
