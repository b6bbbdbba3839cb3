package dockerfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// logicalLine is one instruction line after continuation joining.
type logicalLine struct {
	text string
	// num is the 1-based source line the instruction started on.
	num int
}

var exposeRe = regexp.MustCompile(`^[0-9]+(-[0-9]+)?(/(tcp|udp|sctp))?$`)

// ParseFile parses the Dockerfile at path.
func ParseFile(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dockerfile: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads Dockerfile text and returns the ordered instruction list.
// Handles `\` line continuations, `#` comments (including comment lines
// inside a continuation block) and a leading UTF-8 BOM. Parser directives
// (`# syntax=...`) are tolerated and ignored.
func Parse(r io.Reader) ([]Instruction, error) {
	lines, err := logicalLines(r)
	if err != nil {
		return nil, err
	}

	instrs := make([]Instruction, 0, len(lines))
	for _, ln := range lines {
		instr, err := parseLine(ln)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func logicalLines(r io.Reader) ([]logicalLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []logicalLine
	var pending strings.Builder
	pendingStart := 0
	num := 0

	flush := func() {
		text := strings.TrimSpace(pending.String())
		pending.Reset()
		if text != "" {
			out = append(out, logicalLine{text: text, num: pendingStart})
		}
		pendingStart = 0
	}

	for scanner.Scan() {
		num++
		line := scanner.Text()
		if num == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		trimmed := strings.TrimSpace(line)

		// Comment lines never contribute, even inside a continuation.
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		if pending.Len() == 0 {
			if trimmed == "" {
				continue
			}
			pendingStart = num
		}

		if strings.HasSuffix(trimmed, "\\") {
			pending.WriteString(strings.TrimSuffix(trimmed, "\\"))
			pending.WriteString(" ")
			continue
		}

		pending.WriteString(trimmed)
		flush()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dockerfile: read: %w", err)
	}
	if pending.Len() > 0 {
		// Trailing continuation with no next line; treat what we have as final.
		flush()
	}
	return out, nil
}

func parseLine(ln logicalLine) (Instruction, error) {
	word, rest, _ := strings.Cut(ln.text, " ")
	rest = strings.TrimSpace(rest)

	kind, ok := isKnownKind(word)
	if !ok {
		return nil, parseErrf(ln.num, "unknown instruction %q", word)
	}

	raw := string(kind)
	if rest != "" {
		raw += " " + rest
	}
	b := base{raw: raw}

	switch kind {
	case KindFrom:
		return parseFrom(b, rest, ln.num)
	case KindRun:
		argv, shell, err := parseCommandForm(rest, ln.num)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, parseErrf(ln.num, "RUN requires a command")
		}
		return Run{base: b, Argv: argv, Shell: shell}, nil
	case KindCopy:
		flags, operands, err := parseFlags(rest, ln.num, "from", "chown", "chmod")
		if err != nil {
			return nil, err
		}
		srcs, dest, err := parseSourcesDest(operands, ln.num, "COPY")
		if err != nil {
			return nil, err
		}
		return Copy{base: b, Sources: srcs, Dest: dest, From: flags["from"], Chown: flags["chown"], Chmod: flags["chmod"]}, nil
	case KindAdd:
		flags, operands, err := parseFlags(rest, ln.num, "chown", "chmod")
		if err != nil {
			return nil, err
		}
		srcs, dest, err := parseSourcesDest(operands, ln.num, "ADD")
		if err != nil {
			return nil, err
		}
		return Add{base: b, Sources: srcs, Dest: dest, Chown: flags["chown"], Chmod: flags["chmod"]}, nil
	case KindEnv:
		pairs, err := parsePairs(rest, ln.num, "ENV")
		if err != nil {
			return nil, err
		}
		return Env{base: b, Pairs: pairs}, nil
	case KindArg:
		if rest == "" {
			return nil, parseErrf(ln.num, "ARG requires a name")
		}
		name, def, has := strings.Cut(rest, "=")
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, parseErrf(ln.num, "ARG name %q is invalid", name)
		}
		return Arg{base: b, Name: name, Default: unquote(def), HasDefault: has}, nil
	case KindWorkdir:
		if rest == "" {
			return nil, parseErrf(ln.num, "WORKDIR requires a path")
		}
		return Workdir{base: b, Path: rest}, nil
	case KindUser:
		if rest == "" {
			return nil, parseErrf(ln.num, "USER requires a user")
		}
		return User{base: b, User: rest}, nil
	case KindExpose:
		ports := strings.Fields(rest)
		if len(ports) == 0 {
			return nil, parseErrf(ln.num, "EXPOSE requires at least one port")
		}
		for _, p := range ports {
			if !exposeRe.MatchString(p) {
				return nil, parseErrf(ln.num, "EXPOSE port %q is invalid", p)
			}
		}
		return Expose{base: b, Ports: ports}, nil
	case KindVolume:
		paths, shell, err := parseCommandForm(rest, ln.num)
		if err != nil {
			return nil, err
		}
		if shell {
			paths = strings.Fields(rest)
		}
		if len(paths) == 0 {
			return nil, parseErrf(ln.num, "VOLUME requires at least one path")
		}
		return Volume{base: b, Paths: paths}, nil
	case KindLabel:
		pairs, err := parsePairs(rest, ln.num, "LABEL")
		if err != nil {
			return nil, err
		}
		return Label{base: b, Pairs: pairs}, nil
	case KindEntrypoint:
		argv, shell, err := parseCommandForm(rest, ln.num)
		if err != nil {
			return nil, err
		}
		return Entrypoint{base: b, Argv: argv, Shell: shell}, nil
	case KindCmd:
		argv, shell, err := parseCommandForm(rest, ln.num)
		if err != nil {
			return nil, err
		}
		return Cmd{base: b, Argv: argv, Shell: shell}, nil
	case KindStopSignal:
		if rest == "" || len(strings.Fields(rest)) != 1 {
			return nil, parseErrf(ln.num, "STOPSIGNAL requires exactly one signal")
		}
		return StopSignal{base: b, Signal: rest}, nil
	case KindHealthcheck:
		return parseHealthcheck(b, rest, ln.num)
	}

	// isKnownKind already filtered; unreachable.
	return nil, parseErrf(ln.num, "unknown instruction %q", word)
}

func parseFrom(b base, rest string, num int) (Instruction, error) {
	flags, operands, err := parseFlags(rest, num, "platform")
	if err != nil {
		return nil, err
	}
	switch len(operands) {
	case 1:
		return From{base: b, Image: operands[0], Platform: flags["platform"]}, nil
	case 3:
		if !strings.EqualFold(operands[1], "as") {
			return nil, parseErrf(num, "FROM: expected AS, got %q", operands[1])
		}
		name := operands[2]
		if name == "" {
			return nil, parseErrf(num, "FROM: bad stage name %q", name)
		}
		return From{base: b, Image: operands[0], Platform: flags["platform"], StageName: name}, nil
	default:
		return nil, parseErrf(num, "FROM requires an image, optionally followed by AS <name>")
	}
}

// parseFlags consumes leading --name=value tokens, returning remaining
// operand fields. Unknown flags are parse errors.
func parseFlags(rest string, num int, allowed ...string) (map[string]string, []string, error) {
	flags := map[string]string{}
	fields := strings.Fields(rest)
	i := 0
	for ; i < len(fields); i++ {
		if !strings.HasPrefix(fields[i], "--") {
			break
		}
		name, val, has := strings.Cut(strings.TrimPrefix(fields[i], "--"), "=")
		if !has {
			return nil, nil, parseErrf(num, "flag --%s requires a value", name)
		}
		ok := false
		for _, a := range allowed {
			if a == name {
				ok = true
				break
			}
		}
		if !ok {
			return nil, nil, parseErrf(num, "unknown flag --%s", name)
		}
		flags[name] = val
	}
	return flags, fields[i:], nil
}

// parseCommandForm distinguishes exec form (JSON array) from shell form.
// Shell form returns a single-element argv and shell=true.
func parseCommandForm(rest string, num int) ([]string, bool, error) {
	trimmed := strings.TrimSpace(rest)
	if trimmed == "" {
		return nil, false, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var argv []string
		if err := json.Unmarshal([]byte(trimmed), &argv); err != nil {
			return nil, false, parseErrf(num, "malformed exec form: %v", err)
		}
		return argv, false, nil
	}
	return []string{trimmed}, true, nil
}

func parseSourcesDest(operands []string, num int, name string) ([]string, string, error) {
	// Exec form: COPY ["src", "dest"]
	if len(operands) > 0 && strings.HasPrefix(operands[0], "[") {
		var list []string
		if err := json.Unmarshal([]byte(strings.Join(operands, " ")), &list); err != nil {
			return nil, "", parseErrf(num, "%s: malformed exec form: %v", name, err)
		}
		operands = list
	}
	if len(operands) < 2 {
		return nil, "", parseErrf(num, "%s requires at least one source and a destination", name)
	}
	return operands[:len(operands)-1], operands[len(operands)-1], nil
}

// parsePairs handles both `KEY=val KEY2="v 2"` and the legacy
// `KEY value with spaces` form.
func parsePairs(rest string, num int, name string) ([]KV, error) {
	if rest == "" {
		return nil, parseErrf(num, "%s requires at least one key", name)
	}

	tokens, err := shellquote.Split(rest)
	if err != nil {
		return nil, parseErrf(num, "%s: %v", name, err)
	}
	if len(tokens) == 0 {
		return nil, parseErrf(num, "%s requires at least one key", name)
	}

	if !strings.Contains(tokens[0], "=") {
		// Legacy single-pair form: everything after the key is the value.
		key := tokens[0]
		val := strings.TrimSpace(strings.TrimPrefix(rest, key))
		return []KV{{Key: key, Value: unquote(val)}}, nil
	}

	pairs := make([]KV, 0, len(tokens))
	for _, tok := range tokens {
		k, v, has := strings.Cut(tok, "=")
		if !has || k == "" {
			return nil, parseErrf(num, "%s: %q is not key=value", name, tok)
		}
		pairs = append(pairs, KV{Key: k, Value: v})
	}
	return pairs, nil
}

func parseHealthcheck(b base, rest string, num int) (Instruction, error) {
	if strings.EqualFold(strings.TrimSpace(rest), "NONE") {
		return Healthcheck{base: b, None: true}, nil
	}

	flags, operands, err := parseFlags(rest, num, "interval", "timeout", "start-period", "retries")
	if err != nil {
		return nil, err
	}
	if len(operands) == 0 || !strings.EqualFold(operands[0], "CMD") {
		return nil, parseErrf(num, "HEALTHCHECK requires CMD or NONE")
	}

	hc := Healthcheck{base: b}
	parseDur := func(name string) (time.Duration, error) {
		if flags[name] == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(flags[name])
		if err != nil {
			return 0, parseErrf(num, "HEALTHCHECK --%s: %v", name, err)
		}
		return d, nil
	}
	if hc.Interval, err = parseDur("interval"); err != nil {
		return nil, err
	}
	if hc.Timeout, err = parseDur("timeout"); err != nil {
		return nil, err
	}
	if hc.StartPeriod, err = parseDur("start-period"); err != nil {
		return nil, err
	}
	if flags["retries"] != "" {
		if hc.Retries, err = strconv.Atoi(flags["retries"]); err != nil {
			return nil, parseErrf(num, "HEALTHCHECK --retries: %v", err)
		}
	}

	cmdText := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest[strings.Index(rest, operands[0]):]), operands[0]))
	argv, shell, err := parseCommandForm(cmdText, num)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, parseErrf(num, "HEALTHCHECK CMD requires a command")
	}
	hc.Test = argv
	hc.TestShell = shell
	return hc, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
