package badge

import (
	"strings"
	"testing"

	"kiln/pkg/model"
)

func TestRenderSuccessUsesGreenGradient(t *testing.T) {
	svg := string(Render("alpha", model.ResultSuccess))
	if !strings.Contains(svg, "#2aff4d") {
		t.Fatalf("expected green gradient stop in success badge, got %s", svg)
	}
	if !strings.Contains(svg, ">alpha<") {
		t.Fatalf("expected job name in badge, got %s", svg)
	}
	if !strings.Contains(svg, ">SUCCESS<") {
		t.Fatalf("expected status token in badge, got %s", svg)
	}
}

func TestRenderFailureUsesRedGradient(t *testing.T) {
	svg := string(Render("alpha", model.ResultFailed))
	if !strings.Contains(svg, "#ff2a2a") {
		t.Fatalf("expected red gradient stop in failure badge, got %s", svg)
	}
}

func TestRenderWidthScalesWithNameLength(t *testing.T) {
	short := string(Render("a", model.ResultSuccess))
	long := string(Render("a-much-longer-job-name", model.ResultSuccess))
	if len(long) <= len(short) {
		t.Fatalf("expected longer job name to produce a wider badge")
	}
}
