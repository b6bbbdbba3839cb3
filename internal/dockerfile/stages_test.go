package dockerfile

import (
	"strings"
	"testing"
)

func mustSplit(t *testing.T, src string) Dockerfile {
	t.Helper()
	instrs := mustParse(t, src)
	df, err := SplitStages(instrs)
	if err != nil {
		t.Fatalf("SplitStages failed: %v", err)
	}
	return df
}

const multiStageSrc = `
ARG BASE=alpine:3.20
FROM $BASE AS deps
RUN fetch-deps

FROM deps AS build
RUN make

FROM alpine:3.20 AS tools
RUN build-tools

FROM scratch
COPY --from=build /out /app
COPY --from=tools /bin/tool /bin/tool
`

func TestSplitStages(t *testing.T) {
	t.Parallel()

	df := mustSplit(t, multiStageSrc)
	if len(df.Stages) != 4 {
		t.Fatalf("got %d stages, want 4", len(df.Stages))
	}
	if len(df.GlobalArgs) != 1 || df.GlobalArgs[0].Name != "BASE" {
		t.Fatalf("global args not captured: %+v", df.GlobalArgs)
	}
	if df.Stages[1].Name != "build" || df.Stages[3].Name != "3" {
		t.Fatalf("stage naming wrong: %q, %q", df.Stages[1].Name, df.Stages[3].Name)
	}
}

func TestStageDeps(t *testing.T) {
	t.Parallel()

	df := mustSplit(t, multiStageSrc)

	if deps := df.StageDeps(1); len(deps) != 1 || deps[0] != 0 {
		t.Fatalf("build deps = %v, want [0]", deps)
	}
	// Final stage copies from build(1) and tools(2).
	deps := df.StageDeps(3)
	if len(deps) != 2 || deps[0] != 1 || deps[1] != 2 {
		t.Fatalf("final deps = %v, want [1 2]", deps)
	}
	// tools depends on no other stage.
	if deps := df.StageDeps(2); len(deps) != 0 {
		t.Fatalf("tools deps = %v, want none", deps)
	}
}

func TestTargetPlanPrunesUnreachableStages(t *testing.T) {
	t.Parallel()

	df := mustSplit(t, multiStageSrc)
	target, needed, err := df.TargetPlan("build")
	if err != nil {
		t.Fatalf("TargetPlan failed: %v", err)
	}
	if target != 1 {
		t.Fatalf("target = %d, want 1", target)
	}
	if !needed[0] || !needed[1] || needed[2] || needed[3] {
		t.Fatalf("needed = %v, want stages 0 and 1 only", needed)
	}
}

func TestTargetPlanUnknownStage(t *testing.T) {
	t.Parallel()

	df := mustSplit(t, multiStageSrc)
	if _, _, err := df.TargetPlan("nope"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestForwardStageReferenceIsParseError(t *testing.T) {
	t.Parallel()

	src := `
FROM alpine AS a
COPY --from=b /x /x

FROM alpine AS b
RUN true
`
	instrs := mustParse(t, src)
	if _, err := SplitStages(instrs); err == nil {
		t.Fatal("expected cycle/forward-reference parse error")
	}
}

func TestInstructionBeforeFromIsParseError(t *testing.T) {
	t.Parallel()

	instrs := mustParse(t, "RUN echo hi\n")
	if _, err := SplitStages(instrs); err == nil {
		t.Fatal("expected error for RUN before FROM")
	}
}

func TestDuplicateStageName(t *testing.T) {
	t.Parallel()

	src := "FROM alpine AS a\nFROM alpine AS a\n"
	instrs := mustParse(t, src)
	if _, err := SplitStages(instrs); err == nil {
		t.Fatal("expected error for duplicate stage name")
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()

	vars := map[string]string{"NAME": "world", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}

	cases := []struct{ in, want string }{
		{"hello $NAME", "hello world"},
		{"hello ${NAME}!", "hello world!"},
		{"${MISSING:-fallback}", "fallback"},
		{"${NAME:+set}", "set"},
		{"${EMPTY:-fallback}", "fallback"},
		{`\$NAME`, "$NAME"},
		{"$UNSET", ""},
		{"price$", "price$"},
	}
	for _, tc := range cases {
		if got := Expand(tc.in, lookup); got != tc.want {
			t.Fatalf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUsedVars(t *testing.T) {
	t.Parallel()

	got := UsedVars(`cp $SRC ${DST} \$NOT ${SRC} ${OPT:-x}`)
	want := []string{"SRC", "DST", "OPT"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("UsedVars = %v, want %v", got, want)
	}
}
