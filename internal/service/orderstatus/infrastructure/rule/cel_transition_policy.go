// internal/service/orderstatus/infrastructure/rule/cel_transition_policy.go
package rule

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/port"
)

// ForwardOnlyRule 只允许状态停留或向生命周期后方推进
const ForwardOnlyRule = `rank[to] >= rank[from]`

// CELTransitionPolicy 是 port.TransitionPolicy 的一个实现，用 CEL 表达式描述流转规则。
// 表达式可以使用的变量:
//
//	from, to  string             当前状态与目标状态
//	rank      map(string, int)   状态在生命周期中的序号 (RECEIVED=0 ...)
type CELTransitionPolicy struct {
	program cel.Program
	rank    map[string]int64
}

var _ port.TransitionPolicy = (*CELTransitionPolicy)(nil)

// NewCELTransitionPolicy 编译规则表达式。表达式语法错误或返回值不是 bool 时报错。
func NewCELTransitionPolicy(expression string) (*CELTransitionPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("rank", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile transition rule %q: %w", expression, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("transition rule %q must evaluate to bool, got %v", expression, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}

	rank := make(map[string]int64, len(domain.AllStatuses))
	for i, s := range domain.AllStatuses {
		rank[s.String()] = int64(i)
	}

	return &CELTransitionPolicy{program: program, rank: rank}, nil
}

// Allow 实现了 port.TransitionPolicy 接口。
func (p *CELTransitionPolicy) Allow(ctx context.Context, from, to domain.Status) (bool, error) {
	out, _, err := p.program.ContextEval(ctx, map[string]any{
		"from": from.String(),
		"to":   to.String(),
		"rank": p.rank,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate transition rule: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("transition rule returned %T, want bool", out.Value())
	}
	return allowed, nil
}
