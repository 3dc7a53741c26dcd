package registry

import (
	"testing"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

func TestSetServiceTools_LaterOverwrites(t *testing.T) {
	r := New(nil)

	r.SetServiceTools("a", []*upstream.Tool{{Name: "shared", ServiceName: "a", Enabled: true}})
	r.SetServiceTools("b", []*upstream.Tool{{Name: "shared", ServiceName: "b", Enabled: true}})

	got, ok := r.Get("shared")
	if !ok {
		t.Fatalf("expected shared tool to exist")
	}
	if got.ServiceName != "b" {
		t.Fatalf("expected later registration (b) to win, got owner %q", got.ServiceName)
	}
}

func TestSetServiceTools_DisconnectRemoves(t *testing.T) {
	r := New(nil)
	r.SetServiceTools("a", []*upstream.Tool{{Name: "a__t1", ServiceName: "a"}})
	if r.Count() != 1 {
		t.Fatalf("expected 1 tool, got %d", r.Count())
	}
	r.RemoveService("a")
	if r.Count() != 0 {
		t.Fatalf("expected 0 tools after remove, got %d", r.Count())
	}
}

func TestList_FilterAndSort(t *testing.T) {
	r := New(nil)
	r.SetServiceTools("svc", []*upstream.Tool{
		{Name: "svc__b", ServiceName: "svc", Enabled: true},
		{Name: "svc__a", ServiceName: "svc", Enabled: false},
	})

	all, err := r.List(FilterAll, SortByName)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "svc__a" || all[1].Name != "svc__b" {
		t.Fatalf("unexpected sorted list: %+v", all)
	}

	enabledOnly, err := r.List(FilterEnabled, SortByName)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabledOnly) != 1 || enabledOnly[0].Name != "svc__b" {
		t.Fatalf("unexpected enabled filter result: %+v", enabledOnly)
	}

	if _, err := r.List(FilterAll, "bogus"); err == nil {
		t.Fatal("expected error for unknown sort field")
	}
}

func TestRecordUsage(t *testing.T) {
	r := New(nil)
	r.SetServiceTools("svc", []*upstream.Tool{{Name: "svc__t", ServiceName: "svc"}})
	r.RecordUsage("svc__t")
	r.RecordUsage("svc__t")

	tool, _ := r.Get("svc__t")
	if tool.UsageCount != 2 {
		t.Fatalf("expected usage count 2, got %d", tool.UsageCount)
	}
	if tool.LastUsedAt == nil {
		t.Fatalf("expected LastUsedAt to be set")
	}
}
