package codec

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type record struct {
	ID        string            `json:"id"`
	Version   int64             `json:"version"`
	Tags      map[string]string `json:"tags,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func TestRoundTrip(t *testing.T) {
	in := record{
		ID:        "e1",
		Version:   3,
		Tags:      map[string]string{"room": "kitchen"},
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, c := range []Codec{JSON{}, Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out record
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !out.UpdatedAt.Equal(in.UpdatedAt) {
				t.Fatalf("UpdatedAt = %v, want %v", out.UpdatedAt, in.UpdatedAt)
			}
			out.UpdatedAt = in.UpdatedAt
			if !reflect.DeepEqual(out, in) {
				t.Fatalf("round trip = %+v, want %+v", out, in)
			}
		})
	}
}

func TestRaw(t *testing.T) {
	var c Raw
	src := []byte("opaque")
	data, err := c.Marshal(src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	src[0] = 'X'
	if string(data) != "opaque" {
		t.Fatalf("Marshal did not copy: %q", data)
	}

	var out []byte
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(out) != "opaque" {
		t.Fatalf("Unmarshal = %q", out)
	}

	if _, err := c.Marshal("not bytes"); err == nil {
		t.Fatal("Marshal accepted a string")
	}
	var s string
	if err := c.Unmarshal(data, &s); err == nil {
		t.Fatal("Unmarshal accepted *string")
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "raw"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Fatalf("ByName(%q).Name() = %q", name, c.Name())
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Fatal("ByName(xml) succeeded")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Get("pending_ops"); ok {
		t.Fatal("empty registry returned a codec")
	}
	if got := r.For("pending_ops").Name(); got != "json" {
		t.Fatalf("fallback = %q, want json", got)
	}

	r.Register("pending_ops", Msgpack{})
	r.Register("blobs", Raw{})
	if got := r.For("pending_ops").Name(); got != "msgpack" {
		t.Fatalf("For(pending_ops) = %q", got)
	}

	r.SetFallback(Raw{})
	if got := r.For("unknown").Name(); got != "raw" {
		t.Fatalf("fallback after SetFallback = %q", got)
	}

	want := []string{"blobs", "pending_ops"}
	if got := r.Collections(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Collections() = %v, want %v", got, want)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("c", JSON{})
		}()
		go func() {
			defer wg.Done()
			_ = r.For("c")
		}()
	}
	wg.Wait()
	if _, ok := r.Get("c"); !ok {
		t.Fatal("codec missing after concurrent registration")
	}
}
