// Package dockerfile parses Dockerfile text into a fixed instruction set.
// The parser is strict: an unknown instruction is a ParseError, never
// silently skipped.
package dockerfile

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindFrom        Kind = "FROM"
	KindRun         Kind = "RUN"
	KindCopy        Kind = "COPY"
	KindAdd         Kind = "ADD"
	KindEnv         Kind = "ENV"
	KindArg         Kind = "ARG"
	KindWorkdir     Kind = "WORKDIR"
	KindUser        Kind = "USER"
	KindExpose      Kind = "EXPOSE"
	KindVolume      Kind = "VOLUME"
	KindLabel       Kind = "LABEL"
	KindEntrypoint  Kind = "ENTRYPOINT"
	KindCmd         Kind = "CMD"
	KindStopSignal  Kind = "STOPSIGNAL"
	KindHealthcheck Kind = "HEALTHCHECK"
)

// Instruction is the closed variant over the supported instruction set.
// Concrete types are immutable after parse; the executor matches on them
// exhaustively.
type Instruction interface {
	Kind() Kind

	// Canonical is the normalized one-line source text. It feeds cache key
	// derivation, so it must be stable across parses of the same input.
	Canonical() string

	// MutatesFilesystem reports whether executing the instruction can change
	// the stage root filesystem. Only RUN, COPY and ADD do; everything else
	// touches image config state held by the orchestrator.
	MutatesFilesystem() bool
}

// KV is an ordered key=value pair (ENV, LABEL).
type KV struct {
	Key   string
	Value string
}

type base struct {
	raw string
}

func (b base) Canonical() string { return b.raw }

type From struct {
	base
	Image    string
	Platform string
	// StageName is the `AS name` alias, empty if unnamed.
	StageName string
}

func (From) Kind() Kind              { return KindFrom }
func (From) MutatesFilesystem() bool { return true }

type Run struct {
	base
	// Argv is the exec-form argv, or the single shell command when Shell.
	Argv  []string
	Shell bool
}

func (Run) Kind() Kind              { return KindRun }
func (Run) MutatesFilesystem() bool { return true }

type Copy struct {
	base
	Sources []string
	Dest    string
	// From references an earlier stage (name or index) instead of the
	// build context.
	From  string
	Chown string
	Chmod string
}

func (Copy) Kind() Kind              { return KindCopy }
func (Copy) MutatesFilesystem() bool { return true }

type Add struct {
	base
	Sources []string
	Dest    string
	Chown   string
	Chmod   string
}

func (Add) Kind() Kind              { return KindAdd }
func (Add) MutatesFilesystem() bool { return true }

type Env struct {
	base
	Pairs []KV
}

func (Env) Kind() Kind              { return KindEnv }
func (Env) MutatesFilesystem() bool { return false }

type Arg struct {
	base
	Name       string
	Default    string
	HasDefault bool
}

func (Arg) Kind() Kind              { return KindArg }
func (Arg) MutatesFilesystem() bool { return false }

type Workdir struct {
	base
	Path string
}

func (Workdir) Kind() Kind              { return KindWorkdir }
func (Workdir) MutatesFilesystem() bool { return false }

type User struct {
	base
	// User is "user[:group]", names or numeric IDs.
	User string
}

func (User) Kind() Kind              { return KindUser }
func (User) MutatesFilesystem() bool { return false }

type Expose struct {
	base
	// Ports entries are "port[/proto]".
	Ports []string
}

func (Expose) Kind() Kind              { return KindExpose }
func (Expose) MutatesFilesystem() bool { return false }

type Volume struct {
	base
	Paths []string
}

func (Volume) Kind() Kind              { return KindVolume }
func (Volume) MutatesFilesystem() bool { return false }

type Label struct {
	base
	Pairs []KV
}

func (Label) Kind() Kind              { return KindLabel }
func (Label) MutatesFilesystem() bool { return false }

type Entrypoint struct {
	base
	Argv  []string
	Shell bool
}

func (Entrypoint) Kind() Kind              { return KindEntrypoint }
func (Entrypoint) MutatesFilesystem() bool { return false }

type Cmd struct {
	base
	Argv  []string
	Shell bool
}

func (Cmd) Kind() Kind              { return KindCmd }
func (Cmd) MutatesFilesystem() bool { return false }

type StopSignal struct {
	base
	Signal string
}

func (StopSignal) Kind() Kind              { return KindStopSignal }
func (StopSignal) MutatesFilesystem() bool { return false }

type Healthcheck struct {
	base
	// None disables any inherited healthcheck (HEALTHCHECK NONE).
	None        bool
	Test        []string
	TestShell   bool
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

func (Healthcheck) Kind() Kind              { return KindHealthcheck }
func (Healthcheck) MutatesFilesystem() bool { return false }

// ParseError reports a malformed Dockerfile. It is fatal before any
// instruction runs.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dockerfile: line %d: %s", e.Line, e.Msg)
	}
	return "dockerfile: " + e.Msg
}

func parseErrf(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

func isKnownKind(word string) (Kind, bool) {
	k := Kind(strings.ToUpper(word))
	switch k {
	case KindFrom, KindRun, KindCopy, KindAdd, KindEnv, KindArg, KindWorkdir,
		KindUser, KindExpose, KindVolume, KindLabel, KindEntrypoint, KindCmd,
		KindStopSignal, KindHealthcheck:
		return k, true
	}
	return "", false
}
