package enforcement

import (
	"testing"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

func TestRewriter_PlanRead_PushesReadPolicy(t *testing.T) {
	schema := &entities.Schema{Entities: []*entities.Entity{
		{
			Name: "Doc",
			Fields: []*entities.Field{
				{Name: "id", Type: entities.TypeInt},
				{Name: "owner_id", Type: entities.TypeInt},
			},
			Policies: []*entities.Policy{
				{
					Actions:   entities.ActionRead,
					Effect:    entities.Allow,
					Condition: entities.EQ(entities.FieldOf("owner_id"), entities.Auth("uid")),
				},
			},
		},
	}}
	rw := NewRewriter(schema)

	q, plan, err := rw.PlanRead(&entities.ReadRequest{Type: "Doc"}, entities.AuthContext{"uid": 7})
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	if !q.Rewritten {
		t.Error("PlanRead() did not mark the query rewritten")
	}
	if plan.local != nil {
		t.Errorf("PlanRead() left local remainder %v, want none", plan.local)
	}
	cmp, ok := q.Filter.(*entities.Compare)
	if !ok {
		t.Fatalf("PlanRead() filter = %T, want *Compare", q.Filter)
	}
	if lit, ok := cmp.Right.(*entities.Value); !ok || lit.V != 7 {
		t.Errorf("pushed filter right operand = %#v, want folded uid 7", cmp.Right)
	}
}

func TestRewriter_PlanRead_RuleStaysLocal(t *testing.T) {
	schema := &entities.Schema{Entities: []*entities.Entity{
		{
			Name:   "Doc",
			Fields: []*entities.Field{{Name: "id", Type: entities.TypeInt}},
			Policies: []*entities.Policy{
				{Actions: entities.ActionRead, Effect: entities.Allow, Condition: entities.CEL("row.id > 0")},
			},
		},
	}}
	rw := NewRewriter(schema)

	q, plan, err := rw.PlanRead(&entities.ReadRequest{Type: "Doc"}, nil)
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	if q.Filter != nil {
		t.Errorf("PlanRead() pushed opaque rule into filter: %v", q.Filter)
	}
	if plan.local == nil {
		t.Error("PlanRead() kept no local remainder for opaque rule")
	}
	// The rule sees the whole row; the projection must not narrow.
	if q.Fields != nil {
		t.Errorf("PlanRead() fields = %v, want all", q.Fields)
	}
}

func TestRewriter_PlanRead_WidensSelection(t *testing.T) {
	rw := NewRewriter(gatedReadSchema())

	q, plan, err := rw.PlanRead(&entities.ReadRequest{Type: "Model", Select: []string{"y"}}, nil)
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	want := map[string]bool{"y": true, "id": true, "x": true}
	if len(q.Fields) != len(want) {
		t.Fatalf("PlanRead() fields = %v, want y plus id and x", q.Fields)
	}
	for _, f := range q.Fields {
		if !want[f] {
			t.Errorf("PlanRead() fetched unexpected field %q", f)
		}
	}
	if len(plan.sel) != 1 || plan.sel[0] != "y" {
		t.Errorf("plan selection = %v, want [y]", plan.sel)
	}
}

func TestRewriter_PlanRead_SupportInclude(t *testing.T) {
	rw := NewRewriter(ownerSchema())

	q, plan, err := rw.PlanRead(&entities.ReadRequest{Type: "Model"}, nil)
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	if len(q.Include) != 1 || q.Include[0].Relation != "owner" {
		t.Fatalf("PlanRead() includes = %v, want the owner support include", q.Include)
	}
	sub := q.Include[0].Query
	if !sub.Rewritten {
		t.Error("support include should bypass policy rewriting")
	}
	if sub.Filter != nil {
		t.Errorf("support include filter = %v, want unfiltered", sub.Filter)
	}
	// Support data is internal; the plan exposes no include for it.
	if len(plan.includes) != 0 {
		t.Errorf("plan includes = %v, want none", plan.includes)
	}
}

func TestRewriter_PlanRead_PolicyTraversedIncludeFetchedRaw(t *testing.T) {
	rw := NewRewriter(ownerSchema())

	q, plan, err := rw.PlanRead(&entities.ReadRequest{
		Type:    "Model",
		Include: []entities.Include{{Relation: "owner", Where: entities.FieldOf("admin")}},
	}, nil)
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	if len(q.Include) != 1 {
		t.Fatalf("PlanRead() includes = %d, want 1", len(q.Include))
	}
	sub := q.Include[0].Query
	if sub.Filter != nil {
		t.Errorf("raw include filter = %v, want none (caller filter moves in-process)", sub.Filter)
	}
	if len(plan.includes) != 1 || !plan.includes[0].plan.raw {
		t.Fatalf("plan includes = %v, want one raw include", plan.includes)
	}
	if plan.includes[0].plan.where == nil {
		t.Error("raw include lost the caller's filter")
	}
}

func TestRewriter_PlanRead_CallerIncludeGetsTargetPolicy(t *testing.T) {
	rw := NewRewriter(ownerSchema())

	q, plan, err := rw.PlanRead(&entities.ReadRequest{
		Type:    "User",
		Include: []entities.Include{{Relation: "models"}},
	}, nil)
	if err != nil {
		t.Fatalf("PlanRead() error = %v", err)
	}
	if len(q.Include) != 1 || q.Include[0].Relation != "models" {
		t.Fatalf("PlanRead() includes = %v, want models", q.Include)
	}
	sub := q.Include[0].Query
	if !sub.Rewritten {
		t.Error("caller include was not rewritten")
	}
	if sub.Filter == nil {
		t.Error("caller include filter = nil, want the target's read policy")
	}
	// The included level carries its own support include for the field gate.
	if len(sub.Include) != 1 || sub.Include[0].Relation != "owner" {
		t.Errorf("nested includes = %v, want owner support", sub.Include)
	}
	if len(plan.includes) != 1 || plan.includes[0].plan.raw {
		t.Errorf("plan includes = %v, want one pushed include", plan.includes)
	}
}

func TestRewriter_Rewrite_Idempotent(t *testing.T) {
	rw := NewRewriter(gatedReadSchema())

	q := &repositories.StoreQuery{Type: "Model"}
	if err := rw.Rewrite(q, nil); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	filter := q.Filter
	includes := len(q.Include)
	if err := rw.Rewrite(q, nil); err != nil {
		t.Fatalf("Rewrite() second call error = %v", err)
	}
	if q.Filter != filter {
		t.Error("second Rewrite() changed the filter")
	}
	if len(q.Include) != includes {
		t.Error("second Rewrite() appended includes")
	}
}

func TestRewriter_PlanRead_UnknownEntity(t *testing.T) {
	rw := NewRewriter(gatedReadSchema())
	if _, _, err := rw.PlanRead(&entities.ReadRequest{Type: "Nope"}, nil); err == nil {
		t.Fatal("PlanRead() with unknown entity succeeded, want error")
	}
}

func TestRewriter_PlanRead_UndefinedSelectField(t *testing.T) {
	rw := NewRewriter(gatedReadSchema())
	if _, _, err := rw.PlanRead(&entities.ReadRequest{Type: "Model", Select: []string{"zzz"}}, nil); err == nil {
		t.Fatal("PlanRead() with undefined field succeeded, want error")
	}
}
