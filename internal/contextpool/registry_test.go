package contextpool

import "testing"

func TestNewSeedsDefaultContext(t *testing.T) {
	r := New()
	all := r.All()
	if len(all) != 1 || all[0].Name != "default" {
		t.Fatalf("expected single default context, got %v", all)
	}
	if all[0].NumExecutors != 6 {
		t.Fatalf("default executors = %d, want 6", all[0].NumExecutors)
	}
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	r := New()
	r.Reconcile([]ContextFile{
		{Name: "builders", NumExecutors: 3, JobPatterns: []string{"build-*"}},
	})

	all := r.All()
	if len(all) != 1 || all[0].Name != "builders" {
		t.Fatalf("expected only builders context, got %v", all)
	}
	if r.Get("default") != nil {
		t.Fatal("idle default context should be removed once a configured context exists")
	}

	r.Reconcile(nil)
	all = r.All()
	if len(all) != 1 || all[0].Name != "default" {
		t.Fatalf("expected reconstructed default context after empty reconcile, got %v", all)
	}
	if all[0].NumExecutors != 6 {
		t.Fatalf("reconstructed default executors = %d, want 6", all[0].NumExecutors)
	}
}

func TestReconcilePreservesIdentityAcrossReload(t *testing.T) {
	r := New()
	r.Reconcile([]ContextFile{{Name: "builders", NumExecutors: 2}})
	builders := r.Get("builders")
	builders.Acquire()

	r.Reconcile([]ContextFile{{Name: "builders", NumExecutors: 5, JobPatterns: []string{"*"}}})

	if got := r.Get("builders"); got != builders {
		t.Fatal("Reconcile must mutate the existing context in place, not replace it")
	}
	if builders.NumExecutors != 5 {
		t.Fatalf("executors = %d, want 5", builders.NumExecutors)
	}
	if builders.BusyExecutors != 1 {
		t.Fatalf("busy executors should survive reconfiguration, got %d", builders.BusyExecutors)
	}
}

func TestReconcileKeepsBusyContextAliveButOffOrder(t *testing.T) {
	r := New()
	r.Reconcile([]ContextFile{{Name: "builders", NumExecutors: 2}})
	builders := r.Get("builders")
	builders.Acquire()

	r.Reconcile(nil) // builders.conf disappears while a run is still active

	if r.Get("builders") == nil {
		t.Fatal("a busy context must not be destroyed out from under its active run")
	}
	for _, c := range r.All() {
		if c.Name == "builders" {
			t.Fatal("a removed context must not appear in All() even while still busy")
		}
	}
}

func TestOrderFollowsSortedNames(t *testing.T) {
	r := New()
	r.Reconcile([]ContextFile{
		{Name: "zeta", NumExecutors: 1},
		{Name: "alpha", NumExecutors: 1},
	})
	all := r.All()
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "zeta" {
		t.Fatalf("expected alphabetical order, got %v", all)
	}
}
