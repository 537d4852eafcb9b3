package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"unicode"

	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
)

// Runner запускает бинарь с аргументами. Локально строка команды никогда не идет в shell.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner — Runner поверх os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s exited with code %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(string(out)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// CommandTarget — kubectl, docker или ssh на конкретном хосте/кластере.
type CommandTarget struct {
	cfg    infra.TargetConfig
	runner Runner
}

func NewCommandTarget(cfg infra.TargetConfig, runner Runner) (*CommandTarget, error) {
	switch cfg.Type {
	case TypeKubernetes, TypeDocker:
	case TypeSSH:
		if cfg.Host == "" {
			return nil, fmt.Errorf("executor: ssh target %q requires host", cfg.ID)
		}
	default:
		return nil, fmt.Errorf("executor: unsupported command target type %q", cfg.Type)
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CommandTarget{cfg: cfg, runner: runner}, nil
}

func (t *CommandTarget) ID() string   { return t.cfg.ID }
func (t *CommandTarget) Type() string { return t.cfg.Type }
func (t *CommandTarget) Name() string { return t.cfg.Name }

func (t *CommandTarget) Execute(ctx context.Context, command string) (string, error) {
	name, args, err := t.argv(command)
	if err != nil {
		return "", err
	}
	out, err := t.runner.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// argv собирает вызов: kubectl <cmd> [-n ns] [--context c] | docker <cmd> | ssh [-p port] user@host -- '<w1>' '<w2>'.
func (t *CommandTarget) argv(command string) (string, []string, error) {
	words, err := SplitCommand(command)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, errors.New("executor: empty command")
	}

	switch t.cfg.Type {
	case TypeKubernetes:
		words = trimBinary(words, "kubectl")
		if t.cfg.Namespace != "" && !hasFlag(words, "-n", "--namespace") {
			words = append(words, "-n", t.cfg.Namespace)
		}
		if t.cfg.Context != "" && !hasFlag(words, "--context") {
			words = append(words, "--context", t.cfg.Context)
		}
		return "kubectl", words, nil
	case TypeDocker:
		return "docker", trimBinary(words, "docker"), nil
	default:
		dest := t.cfg.Host
		if t.cfg.Username != "" {
			dest = t.cfg.Username + "@" + t.cfg.Host
		}
		args := []string{"-o", "BatchMode=yes"}
		if t.cfg.Port != 0 {
			args = append(args, "-p", strconv.Itoa(t.cfg.Port))
		}
		// Удаленная сторона отдает строку login shell, поэтому каждое слово экранируется
		args = append(args, dest, "--", RemoteLine(words))
		return "ssh", args, nil
	}
}

// RemoteLine собирает строку для удаленного shell: каждое слово — отдельный литерал.
// Метасимволы (; | & $ ` > <) внутри слов не интерпретируются.
func RemoteLine(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(w string) string {
	if w == "" {
		return "''"
	}
	safe := true
	for _, r := range w {
		if !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-_./=:@,+%", r))) {
			safe = false
			break
		}
	}
	if safe {
		return w
	}
	return "'" + strings.ReplaceAll(w, "'", `'\''`) + "'"
}

func trimBinary(words []string, bin string) []string {
	if len(words) > 0 && words[0] == bin {
		return words[1:]
	}
	return words
}

func hasFlag(words []string, flags ...string) bool {
	for _, w := range words {
		for _, f := range flags {
			if w == f || strings.HasPrefix(w, f+"=") {
				return true
			}
		}
	}
	return false
}

// SplitCommand режет строку на слова с учетом одинарных и двойных кавычек.
func SplitCommand(s string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		quote   rune
		inWord  bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, fmt.Errorf("executor: unterminated quote in %q", s)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
