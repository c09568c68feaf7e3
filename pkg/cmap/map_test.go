package cmap

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestNewWithShards(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultShardCount},
		{-1, DefaultShardCount},
		{3, DefaultShardCount},
		{1, 1},
		{8, 8},
		{32, 32},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("shards=%d", tt.input), func(t *testing.T) {
			m := NewWithShards[string, int](tt.input)
			if m.ShardCount() != tt.expected {
				t.Errorf("NewWithShards(%d) shard count = %d, want %d",
					tt.input, m.ShardCount(), tt.expected)
			}
		})
	}
}

func TestSetGetDelete(t *testing.T) {
	m := New[string, int]()

	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	if v, ok := m.Get("a"); !ok || v != 3 {
		t.Errorf("Get(a) = (%d, %v), want (3, true)", v, ok)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	m.Delete("a")
	if m.Has("a") {
		t.Error("a still present after Delete")
	}

	if v, ok := m.Pop("b"); !ok || v != 2 {
		t.Errorf("Pop(b) = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := m.Pop("b"); ok {
		t.Error("second Pop(b) should report absent")
	}
}

func TestSetIfAbsentAndUpdate(t *testing.T) {
	m := New[int, int]()

	if !m.SetIfAbsent(1, 10) {
		t.Error("SetIfAbsent on empty key should succeed")
	}
	if m.SetIfAbsent(1, 20) {
		t.Error("SetIfAbsent on existing key should fail")
	}

	got := m.Update(1, func(v int, exists bool) int {
		if !exists {
			t.Error("Update should see the existing value")
		}
		return v + 5
	})
	if got != 15 {
		t.Errorf("Update returned %d, want 15", got)
	}
}

func TestCompute(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)

	if v, kept := m.Compute("a", func(v int, _ bool) (int, bool) { return v * 10, true }); !kept || v != 10 {
		t.Errorf("Compute = (%d, %v), want (10, true)", v, kept)
	}
	m.Compute("a", func(int, bool) (int, bool) { return 0, false })
	if m.Has("a") {
		t.Error("Compute returning keep=false should delete the key")
	}
	m.Compute("b", func(_ int, exists bool) (int, bool) { return 7, !exists })
	if v, _ := m.Get("b"); v != 7 {
		t.Errorf("Get(b) = %d, want 7", v)
	}
}

func TestKeysValuesClear(t *testing.T) {
	m := NewWithShards[string, int](4)
	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("k%02d", i), i)
	}

	keys := m.Keys()
	sort.Strings(keys)
	if len(keys) != 50 || keys[0] != "k00" || keys[49] != "k49" {
		t.Errorf("Keys() = %d entries, first %q", len(keys), keys[0])
	}
	if len(m.Values()) != 50 {
		t.Errorf("Values() length = %d, want 50", len(m.Values()))
	}

	stopped := 0
	m.Range(func(string, int) bool {
		stopped++
		return stopped < 3
	})
	if stopped != 3 {
		t.Errorf("Range visited %d entries after stop, want 3", stopped)
	}

	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d", m.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int]()
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				key := base*500 + j
				m.Set(key, j)
				m.Get(key)
				m.Update(key, func(v int, _ bool) int { return v + 1 })
			}
		}(i)
	}
	wg.Wait()

	if m.Count() != 32*500 {
		t.Errorf("Count() = %d, want %d", m.Count(), 32*500)
	}
}
