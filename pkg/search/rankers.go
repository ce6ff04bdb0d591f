package search

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// Ranker re-orders hydrated search items before pagination.
type Ranker interface {
	Rank(items []SearchItem) ([]SearchItem, error)
}

func rankerFor(cfg SearchConfig) (Ranker, error) {
	if cfg.Randomize || (cfg.Rank != nil && cfg.Rank.Randomize) {
		return RandomRanker{}, nil
	}
	fn := "score"
	if cfg.Rank != nil && cfg.Rank.ScoreFunction != "" {
		fn = cfg.Rank.ScoreFunction
	}
	return NewScoreRanker(fn)
}

// RandomRanker shuffles the items.
type RandomRanker struct{}

func (RandomRanker) Rank(items []SearchItem) ([]SearchItem, error) {
	out := make([]SearchItem, len(items))
	copy(out, items)
	rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out, nil
}

// ScoreRanker recomputes each item's score from an arithmetic expression
// over the index score and the item's stored scores, then sorts descending.
// The expression supports + - * / ( ), numeric literals, unary minus, and
// the variables "score" and "score.<name>".
type ScoreRanker struct {
	fn      string
	program []scoreToken
}

type scoreToken struct {
	kind byte // 'n' number, 'v' variable, 'o' operator
	num  float64
	name string
	op   byte // + - * / m (unary minus)
}

// NewScoreRanker compiles the score function. Unknown variables, bad
// characters and unbalanced expressions fail here so Rank cannot.
func NewScoreRanker(fn string) (*ScoreRanker, error) {
	program, err := compileScoreFunction(fn)
	if err != nil {
		return nil, err
	}
	return &ScoreRanker{fn: fn, program: program}, nil
}

func (r *ScoreRanker) Rank(items []SearchItem) ([]SearchItem, error) {
	out := make([]SearchItem, len(items))
	copy(out, items)
	for i := range out {
		out[i].Score = r.eval(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (r *ScoreRanker) eval(item SearchItem) float64 {
	stack := make([]float64, 0, len(r.program))
	for _, tok := range r.program {
		switch tok.kind {
		case 'n':
			stack = append(stack, tok.num)
		case 'v':
			stack = append(stack, scoreVariable(item, tok.name))
		case 'o':
			if tok.op == 'm' {
				stack[len(stack)-1] = -stack[len(stack)-1]
				continue
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-1]
			switch tok.op {
			case '+':
				stack[len(stack)-1] = a + b
			case '-':
				stack[len(stack)-1] = a - b
			case '*':
				stack[len(stack)-1] = a * b
			case '/':
				if b == 0 {
					stack[len(stack)-1] = 0
				} else {
					stack[len(stack)-1] = a / b
				}
			}
		}
	}
	return stack[0]
}

func scoreVariable(item SearchItem, name string) float64 {
	if name == "score" {
		return item.Score
	}
	return item.Scores[strings.TrimPrefix(name, "score.")]
}

// compileScoreFunction tokenizes the expression and shunts it into reverse
// polish order, validating variables, parens and operand counts.
func compileScoreFunction(fn string) ([]scoreToken, error) {
	tokens, err := tokenizeScoreFunction(fn)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, apierror.Config("empty score function")
	}

	var program []scoreToken
	var ops []byte
	popWhile := func(keep func(byte) bool) {
		for len(ops) > 0 && keep(ops[len(ops)-1]) {
			program = append(program, scoreToken{kind: 'o', op: ops[len(ops)-1]})
			ops = ops[:len(ops)-1]
		}
	}

	prevOperand := false
	for _, tok := range tokens {
		switch tok.kind {
		case 'n':
			program = append(program, tok)
			prevOperand = true
		case 'v':
			if tok.name != "score" && !strings.HasPrefix(tok.name, "score.") {
				return nil, apierror.Config("unknown variable %q in score function %q", tok.name, fn)
			}
			program = append(program, tok)
			prevOperand = true
		case 'o':
			op := tok.op
			if op == '-' && !prevOperand {
				op = 'm'
			}
			popWhile(func(top byte) bool {
				return top != '(' && precedence(top) >= precedence(op) && op != 'm'
			})
			ops = append(ops, op)
			prevOperand = false
		case '(':
			ops = append(ops, '(')
			prevOperand = false
		case ')':
			popWhile(func(top byte) bool { return top != '(' })
			if len(ops) == 0 {
				return nil, apierror.Config("unbalanced parentheses in score function %q", fn)
			}
			ops = ops[:len(ops)-1]
			prevOperand = true
		}
	}
	popWhile(func(top byte) bool {
		return top != '('
	})
	if len(ops) > 0 {
		return nil, apierror.Config("unbalanced parentheses in score function %q", fn)
	}

	// Stack-depth check: a valid program nets exactly one value.
	depth := 0
	for _, tok := range program {
		switch {
		case tok.kind != 'o':
			depth++
		case tok.op == 'm':
			if depth < 1 {
				return nil, apierror.Config("invalid score function %q", fn)
			}
		default:
			if depth < 2 {
				return nil, apierror.Config("invalid score function %q", fn)
			}
			depth--
		}
	}
	if depth != 1 {
		return nil, apierror.Config("invalid score function %q", fn)
	}
	return program, nil
}

func precedence(op byte) int {
	switch op {
	case 'm':
		return 3
	case '*', '/':
		return 2
	case '+', '-':
		return 1
	}
	return 0
}

func tokenizeScoreFunction(fn string) ([]scoreToken, error) {
	var tokens []scoreToken
	i := 0
	for i < len(fn) {
		c := fn[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(fn) && (fn[j] >= '0' && fn[j] <= '9' || fn[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(fn[i:j], 64)
			if err != nil {
				return nil, apierror.Config("invalid number %q in score function %q", fn[i:j], fn)
			}
			tokens = append(tokens, scoreToken{kind: 'n', num: num})
			i = j
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
			j := i
			for j < len(fn) && isIdentByte(fn[j]) {
				j++
			}
			tokens = append(tokens, scoreToken{kind: 'v', name: fn[i:j]})
			i = j
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, scoreToken{kind: 'o', op: c})
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, scoreToken{kind: c})
			i++
		default:
			return nil, apierror.Config("invalid character %q in score function %q", string(c), fn)
		}
	}
	return tokens, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.'
}
