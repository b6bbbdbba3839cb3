package dockerfile

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, src string) []Instruction {
	t.Helper()
	instrs, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return instrs
}

func TestParseBasicInstructions(t *testing.T) {
	t.Parallel()

	src := `
# builder image
FROM golang:1.25 AS build
WORKDIR /src
COPY go.mod go.sum ./
RUN go build -o /out/app ./cmd/app

FROM debian:bookworm-slim
COPY --from=build /out/app /usr/local/bin/app
ENV PORT=8080 MODE=release
EXPOSE 8080/tcp
USER nobody
ENTRYPOINT ["/usr/local/bin/app"]
CMD ["--help"]
`
	instrs := mustParse(t, src)
	if len(instrs) != 11 {
		t.Fatalf("got %d instructions, want 11", len(instrs))
	}

	from, ok := instrs[0].(From)
	if !ok {
		t.Fatalf("instrs[0] = %T, want From", instrs[0])
	}
	if from.Image != "golang:1.25" || from.StageName != "build" {
		t.Fatalf("unexpected FROM: %+v", from)
	}

	cp, ok := instrs[2].(Copy)
	if !ok {
		t.Fatalf("instrs[2] = %T, want Copy", instrs[2])
	}
	if len(cp.Sources) != 2 || cp.Dest != "./" {
		t.Fatalf("unexpected COPY: %+v", cp)
	}

	cpFrom := instrs[5].(Copy)
	if cpFrom.From != "build" {
		t.Fatalf("COPY --from not parsed: %+v", cpFrom)
	}

	env := instrs[6].(Env)
	if len(env.Pairs) != 2 || env.Pairs[0] != (KV{"PORT", "8080"}) || env.Pairs[1] != (KV{"MODE", "release"}) {
		t.Fatalf("unexpected ENV pairs: %+v", env.Pairs)
	}

	ep := instrs[9].(Entrypoint)
	if ep.Shell || len(ep.Argv) != 1 || ep.Argv[0] != "/usr/local/bin/app" {
		t.Fatalf("unexpected ENTRYPOINT: %+v", ep)
	}
}

func TestParseContinuationsAndComments(t *testing.T) {
	t.Parallel()

	src := "FROM alpine\nRUN apt-get update && \\\n  # inline comment line\n  apt-get install -y curl \\\n  git\n"
	instrs := mustParse(t, src)
	if len(instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(instrs))
	}
	run := instrs[1].(Run)
	if !run.Shell {
		t.Fatal("RUN should be shell form")
	}
	want := "apt-get update &&   apt-get install -y curl   git"
	if run.Argv[0] != want {
		t.Fatalf("joined command = %q, want %q", run.Argv[0], want)
	}
}

func TestParseStripsByteOrderMark(t *testing.T) {
	t.Parallel()

	instrs := mustParse(t, "\ufeffFROM alpine\nRUN true\n")
	if len(instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(instrs))
	}
	if _, ok := instrs[0].(From); !ok {
		t.Fatalf("instrs[0] = %T, want From", instrs[0])
	}
}

func TestParseUnknownInstructionFails(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("FROM alpine\nFETCH https://example.com /x\n"))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if perr.Line != 2 {
		t.Fatalf("ParseError line = %d, want 2", perr.Line)
	}
}

func TestParseLegacyEnvForm(t *testing.T) {
	t.Parallel()

	instrs := mustParse(t, "FROM alpine\nENV GREETING hello there\n")
	env := instrs[1].(Env)
	if len(env.Pairs) != 1 || env.Pairs[0] != (KV{"GREETING", "hello there"}) {
		t.Fatalf("unexpected legacy ENV: %+v", env.Pairs)
	}
}

func TestParseQuotedLabelValues(t *testing.T) {
	t.Parallel()

	instrs := mustParse(t, "FROM alpine\nLABEL maintainer=\"dev team\" tier=backend\n")
	lbl := instrs[1].(Label)
	if len(lbl.Pairs) != 2 || lbl.Pairs[0] != (KV{"maintainer", "dev team"}) {
		t.Fatalf("unexpected LABEL: %+v", lbl.Pairs)
	}
}

func TestParseHealthcheck(t *testing.T) {
	t.Parallel()

	instrs := mustParse(t, "FROM alpine\nHEALTHCHECK --interval=30s --retries=3 CMD curl -f http://localhost/\n")
	hc := instrs[1].(Healthcheck)
	if hc.None {
		t.Fatal("healthcheck should not be NONE")
	}
	if hc.Interval != 30*time.Second || hc.Retries != 3 {
		t.Fatalf("unexpected healthcheck options: %+v", hc)
	}
	if !hc.TestShell || hc.Test[0] != "curl -f http://localhost/" {
		t.Fatalf("unexpected healthcheck test: %+v", hc.Test)
	}

	instrs = mustParse(t, "FROM alpine\nHEALTHCHECK NONE\n")
	if !instrs[1].(Healthcheck).None {
		t.Fatal("HEALTHCHECK NONE not recognized")
	}
}

func TestParseCopyRequiresDest(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("FROM alpine\nCOPY onlyone\n"))
	if err == nil {
		t.Fatal("expected error for COPY with a single operand")
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("FROM alpine\nCOPY --link=true a b\n"))
	if err == nil {
		t.Fatal("expected error for unsupported flag")
	}
}

func TestMetadataInstructionsDoNotMutateFilesystem(t *testing.T) {
	t.Parallel()

	src := `FROM alpine
ENV A=1
ARG B
WORKDIR /app
LABEL x=y
USER root
EXPOSE 80
VOLUME /data
ENTRYPOINT ["sh"]
CMD ["-c", "true"]
STOPSIGNAL SIGTERM
HEALTHCHECK NONE
`
	for _, instr := range mustParse(t, src)[1:] {
		if instr.MutatesFilesystem() {
			t.Fatalf("%s should not mutate the filesystem", instr.Kind())
		}
	}
}

func TestCanonicalIsStable(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "FROM alpine\nRUN echo hi\n")[1].Canonical()
	b := mustParse(t, "FROM alpine\nRUN   echo hi\n")[1].Canonical()
	if a != b {
		t.Fatalf("canonical text differs: %q vs %q", a, b)
	}
}
