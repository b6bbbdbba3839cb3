package dockerfile

import (
	"strconv"
	"strings"
)

// Stage is one FROM-delimited section of a multi-stage build.
type Stage struct {
	Index int
	// Name is the explicit `AS` alias, or the decimal index when unnamed.
	Name         string
	From         From
	Instructions []Instruction
}

// Dockerfile is the parsed, stage-split build program.
type Dockerfile struct {
	// GlobalArgs are ARG instructions appearing before the first FROM.
	// They are in scope for FROM lines of every stage.
	GlobalArgs []Arg
	Stages     []Stage
}

// SplitStages groups a flat instruction list into stages and validates
// cross-stage references. Stage references (FROM <stage>, COPY --from)
// may only point at earlier stages; anything else would form a cycle and
// is rejected here, at parse time.
func SplitStages(instrs []Instruction) (Dockerfile, error) {
	var df Dockerfile
	names := map[string]int{}

	var cur *Stage
	for _, instr := range instrs {
		if from, ok := instr.(From); ok {
			if cur != nil {
				df.Stages = append(df.Stages, *cur)
			}
			idx := len(df.Stages)
			name := from.StageName
			if name != "" {
				if _, dup := names[strings.ToLower(name)]; dup {
					return Dockerfile{}, parseErrf(0, "duplicate stage name %q", name)
				}
				names[strings.ToLower(name)] = idx
			}
			if name == "" {
				name = strconv.Itoa(idx)
			}
			cur = &Stage{Index: idx, Name: name, From: from}
			continue
		}

		if cur == nil {
			arg, ok := instr.(Arg)
			if !ok {
				return Dockerfile{}, parseErrf(0, "%s before first FROM", instr.Kind())
			}
			df.GlobalArgs = append(df.GlobalArgs, arg)
			continue
		}

		cur.Instructions = append(cur.Instructions, instr)
	}
	if cur == nil {
		return Dockerfile{}, parseErrf(0, "no FROM instruction")
	}
	df.Stages = append(df.Stages, *cur)

	if err := df.validateRefs(names); err != nil {
		return Dockerfile{}, err
	}
	return df, nil
}

// resolveStageRef maps a FROM/--from operand to a stage index, or -1 when
// it names an external image.
func resolveStageRef(ref string, names map[string]int, numStages int) int {
	if idx, ok := names[strings.ToLower(ref)]; ok {
		return idx
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < numStages {
		return n
	}
	return -1
}

func (df Dockerfile) validateRefs(names map[string]int) error {
	for _, st := range df.Stages {
		if dep := resolveStageRef(st.From.Image, names, len(df.Stages)); dep >= st.Index {
			return parseErrf(0, "stage %q depends on stage %q which is not an earlier stage (cycle)", st.Name, st.From.Image)
		}
		for _, instr := range st.Instructions {
			cp, ok := instr.(Copy)
			if !ok || cp.From == "" {
				continue
			}
			dep := resolveStageRef(cp.From, names, len(df.Stages))
			if dep == -1 {
				return parseErrf(0, "stage %q: COPY --from=%s does not name an earlier stage", st.Name, cp.From)
			}
			if dep >= st.Index {
				return parseErrf(0, "stage %q: COPY --from=%s is not an earlier stage (cycle)", st.Name, cp.From)
			}
		}
	}
	return nil
}

// stageNames rebuilds the alias map (lowercased explicit names only).
func (df Dockerfile) stageNames() map[string]int {
	names := map[string]int{}
	for _, st := range df.Stages {
		if st.From.StageName != "" {
			names[strings.ToLower(st.From.StageName)] = st.Index
		}
	}
	return names
}

// StageDeps returns indexes of earlier stages that stage idx reads from,
// via its FROM or any COPY --from.
func (df Dockerfile) StageDeps(idx int) []int {
	names := df.stageNames()
	st := df.Stages[idx]
	seen := map[int]struct{}{}
	var deps []int
	add := func(dep int) {
		if dep < 0 {
			return
		}
		if _, ok := seen[dep]; ok {
			return
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}

	add(resolveStageRef(st.From.Image, names, len(df.Stages)))
	for _, instr := range st.Instructions {
		if cp, ok := instr.(Copy); ok && cp.From != "" {
			add(resolveStageRef(cp.From, names, len(df.Stages)))
		}
	}
	return deps
}

// ResolveStage maps ref (stage name or index) to a stage index, -1 when
// ref is not a stage of this Dockerfile.
func (df Dockerfile) ResolveStage(ref string) int {
	return resolveStageRef(ref, df.stageNames(), len(df.Stages))
}

// TargetPlan selects the target stage (last stage when name is empty) and
// the set of stage indexes that must run to build it. Stage indexes are
// never renumbered, so unneeded stages are simply skipped by the caller.
// Unknown target is a parse error.
func (df Dockerfile) TargetPlan(name string) (target int, needed map[int]bool, err error) {
	target = len(df.Stages) - 1
	if name != "" {
		target = df.ResolveStage(name)
		if target < 0 {
			return 0, nil, parseErrf(0, "target stage %q not found", name)
		}
	}

	needed = map[int]bool{}
	var mark func(int)
	mark = func(idx int) {
		if needed[idx] {
			return
		}
		needed[idx] = true
		for _, dep := range df.StageDeps(idx) {
			mark(dep)
		}
	}
	mark(target)

	return target, needed, nil
}
