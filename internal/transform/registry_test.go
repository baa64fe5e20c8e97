package transform

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fulcrumlabs/stagegate/internal/domain"
)

func TestRegistryInvoke(t *testing.T) {
	Clear()
	defer Clear()

	Register(Processor{
		Name: "echo",
		Run: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	})

	out, err := NewRegistry().Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("Invoke() = %s", out)
	}
}

func TestRegistryUnknownProcessor(t *testing.T) {
	Clear()
	defer Clear()

	_, err := NewRegistry().Invoke(context.Background(), "missing", nil)
	if !domain.IsKind(err, domain.KindProcessorNotFound) {
		t.Errorf("Invoke() error = %v, want processor not found", err)
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	Clear()
	defer Clear()

	p := Processor{
		Name: "dup",
		Run: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}
	Register(p)

	defer func() {
		if recover() == nil {
			t.Error("Register() did not panic on duplicate")
		}
	}()
	Register(p)
}

func TestList(t *testing.T) {
	Clear()
	defer Clear()

	run := func(_ context.Context, input json.RawMessage) (json.RawMessage, error) { return input, nil }
	Register(Processor{Name: "b", Run: run})
	Register(Processor{Name: "a", Run: run})

	names := List()
	if len(names) != 2 || names[0].Name != "a" || names[1].Name != "b" {
		t.Errorf("List() = %v, want sorted [a b]", names)
	}
}
