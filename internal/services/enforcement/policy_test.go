package enforcement

import (
	"context"
	"testing"

	"github.com/asakaida/banken/internal/entities"
)

func evalDecision(t *testing.T, expr entities.Expression, entity *entities.Entity, row entities.Row, auth entities.AuthContext) Decision {
	t.Helper()
	eval := newTestEvaluator(t, &entities.Schema{Entities: []*entities.Entity{entity}})
	res, err := eval.Evaluate(context.Background(), expr, entity, row, auth)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	return res.Decision
}

func TestTypePolicyExpr_Combination(t *testing.T) {
	tests := []struct {
		name     string
		policies []*entities.Policy
		row      entities.Row
		want     Decision
	}{
		{
			name:     "no rules defaults to deny",
			policies: nil,
			row:      entities.Row{"x": 1},
			want:     DecisionFalse,
		},
		{
			name: "unconditional allow",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow},
			},
			row:  entities.Row{"x": 1},
			want: DecisionTrue,
		},
		{
			name: "allow for other action does not apply",
			policies: []*entities.Policy{
				{Actions: entities.ActionUpdate, Effect: entities.Allow},
			},
			row:  entities.Row{"x": 1},
			want: DecisionFalse,
		},
		{
			name: "any allow suffices",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow, Condition: entities.Lit(false)},
				{Actions: entities.ActionRead, Effect: entities.Allow, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:  entities.Row{"x": 1},
			want: DecisionTrue,
		},
		{
			name: "deny vetoes a matching allow",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow},
				{Actions: entities.ActionRead, Effect: entities.Deny, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:  entities.Row{"x": 1},
			want: DecisionFalse,
		},
		{
			name: "non-matching deny leaves allow standing",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow},
				{Actions: entities.ActionRead, Effect: entities.Deny, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:  entities.Row{"x": 0},
			want: DecisionTrue,
		},
		{
			name: "deny alone never allows",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Deny, Condition: entities.Lit(false)},
			},
			row:  entities.Row{"x": 1},
			want: DecisionFalse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity := &entities.Entity{
				Name: "Model",
				Fields: []*entities.Field{
					{Name: "id", Type: entities.TypeInt},
					{Name: "x", Type: entities.TypeInt},
				},
				Policies: tt.policies,
			}
			expr := typePolicyExpr(entity, entities.ActionRead)
			if got := evalDecision(t, expr, entity, tt.row, nil); got != tt.want {
				t.Errorf("typePolicyExpr decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFieldPolicyExpr_DefaultAllow(t *testing.T) {
	tests := []struct {
		name         string
		policies     []*entities.Policy
		row          entities.Row
		wantDeclared bool
		want         Decision
	}{
		{
			name:         "no rules means undeclared",
			policies:     nil,
			wantDeclared: false,
		},
		{
			name: "rules for other action mean undeclared",
			policies: []*entities.Policy{
				{Actions: entities.ActionUpdate, Effect: entities.Allow},
			},
			wantDeclared: false,
		},
		{
			name: "deny-only field allows unless deny matches",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Deny, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:          entities.Row{"x": 0},
			wantDeclared: true,
			want:         DecisionTrue,
		},
		{
			name: "deny-only field denies when deny matches",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Deny, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:          entities.Row{"x": 1},
			wantDeclared: true,
			want:         DecisionFalse,
		},
		{
			name: "allow rule gates",
			policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow, Condition: entities.GT(entities.FieldOf("x"), entities.Lit(0))},
			},
			row:          entities.Row{"x": 0},
			wantDeclared: true,
			want:         DecisionFalse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := &entities.Field{Name: "y", Type: entities.TypeInt, Policies: tt.policies}
			expr, declared := fieldPolicyExpr(field, entities.ActionRead)
			if declared != tt.wantDeclared {
				t.Fatalf("fieldPolicyExpr declared = %v, want %v", declared, tt.wantDeclared)
			}
			if !declared {
				return
			}
			entity := &entities.Entity{
				Name: "Model",
				Fields: []*entities.Field{
					{Name: "id", Type: entities.TypeInt},
					{Name: "x", Type: entities.TypeInt},
					field,
				},
			}
			if got := evalDecision(t, expr, entity, tt.row, nil); got != tt.want {
				t.Errorf("fieldPolicyExpr decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFoldAuth(t *testing.T) {
	auth := entities.AuthContext{"uid": 7}

	expr := entities.And(
		entities.EQ(entities.FieldOf("owner_id"), entities.Auth("uid")),
		entities.Auth("missing"),
	)
	folded := foldAuth(expr, auth)

	and, ok := folded.(*entities.Logical)
	if !ok {
		t.Fatalf("foldAuth() = %T, want *Logical", folded)
	}
	cmp, ok := and.Left.(*entities.Compare)
	if !ok {
		t.Fatalf("folded left = %T, want *Compare", and.Left)
	}
	if lit, ok := cmp.Right.(*entities.Value); !ok || lit.V != 7 {
		t.Errorf("folded uid = %#v, want literal 7", cmp.Right)
	}
	if lit, ok := and.Right.(*entities.Value); !ok || lit.V != nil {
		t.Errorf("folded missing attribute = %#v, want literal null", and.Right)
	}
}

func TestSplitPushable(t *testing.T) {
	field := entities.GT(entities.FieldOf("x"), entities.Lit(0))
	rule := entities.CEL("row.x > 0")

	tests := []struct {
		name      string
		expr      entities.Expression
		wantPush  bool
		wantLocal bool
	}{
		{name: "nil", expr: nil},
		{name: "plain comparison pushes", expr: field, wantPush: true},
		{name: "rule stays local", expr: rule, wantLocal: true},
		{name: "conjunction splits", expr: entities.And(field, rule), wantPush: true, wantLocal: true},
		{name: "rule under or stays local", expr: entities.Or(field, rule), wantLocal: true},
		{name: "rule inside relation stays local", expr: entities.Related("owner", rule), wantLocal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			push, local := splitPushable(tt.expr)
			if (push != nil) != tt.wantPush {
				t.Errorf("splitPushable() push = %v, want present %v", push, tt.wantPush)
			}
			if (local != nil) != tt.wantLocal {
				t.Errorf("splitPushable() local = %v, want present %v", local, tt.wantLocal)
			}
		})
	}
}

func TestCollectSupport(t *testing.T) {
	schema := relationTestSchema()
	entity := schema.GetEntity("Doc")

	expr := entities.And(
		entities.GT(entities.FieldOf("id"), entities.Lit(0)),
		entities.Related("owner", entities.FieldOf("admin")),
	)
	s := newSupportSet()
	collectSupport(s, schema, entity, expr)

	if !s.fields["id"] {
		t.Error("support missing field id")
	}
	if !s.fields["owner_id"] {
		t.Error("support missing foreign key owner_id")
	}
	sub, ok := s.relations["owner"]
	if !ok {
		t.Fatal("support missing relation owner")
	}
	if !sub.fields["admin"] {
		t.Error("owner support missing field admin")
	}
	if !sub.fields["id"] {
		t.Error("owner support missing target key id")
	}
}

func TestCollectSupport_RuleNeedsWholeRow(t *testing.T) {
	schema := relationTestSchema()
	s := newSupportSet()
	collectSupport(s, schema, schema.GetEntity("Doc"), entities.CEL("row.x > 0"))
	if !s.all {
		t.Error("rule expression should require the whole row")
	}
}
