package entities

import (
	"strings"
	"testing"
)

func TestDecodeSchema(t *testing.T) {
	src := `{
		"entities": [
			{
				"name": "User",
				"fields": [
					{"name": "id", "type": "int"},
					{"name": "admin", "type": "bool"}
				],
				"relations": [
					{"name": "posts", "target": "Post", "kind": "to_many", "foreign_key": "author_id"}
				],
				"policies": [
					{"actions": "all", "effect": "allow"}
				]
			},
			{
				"name": "Post",
				"fields": [
					{"name": "id", "type": "int"},
					{"name": "title", "type": "string"},
					{"name": "created_at", "type": "time"},
					{
						"name": "views",
						"type": "int",
						"policies": [
							{
								"actions": "read",
								"effect": "allow",
								"condition": {
									"kind": "relation",
									"relation": "author",
									"expr": {"kind": "field", "name": "admin"}
								}
							}
						]
					},
					{"name": "author_id", "type": "int"}
				],
				"relations": [
					{"name": "author", "target": "User", "kind": "to_one", "foreign_key": "author_id"}
				],
				"policies": [
					{
						"actions": "read,update",
						"effect": "deny",
						"condition": {
							"kind": "compare",
							"op": "eq",
							"left": {"kind": "field", "name": "title"},
							"right": {"kind": "value", "value": "secret"}
						}
					}
				]
			}
		]
	}`

	schema, err := DecodeSchema(strings.NewReader(src))
	if err != nil {
		t.Fatalf("DecodeSchema() error = %v", err)
	}
	if len(schema.Entities) != 2 {
		t.Fatalf("len(Entities) = %d, want 2", len(schema.Entities))
	}

	user := schema.GetEntity("User")
	if user == nil {
		t.Fatal("GetEntity(User) = nil")
	}
	if user.ID() != "id" {
		t.Errorf("User.ID() = %q, want %q", user.ID(), "id")
	}
	posts := user.GetRelation("posts")
	if posts == nil || posts.Kind != ToMany || posts.ForeignKey != "author_id" {
		t.Errorf("posts relation = %+v, want to_many over author_id", posts)
	}
	if len(user.Policies) != 1 || user.Policies[0].Actions != ActionAll || user.Policies[0].Condition != nil {
		t.Errorf("User policies = %+v, want one unconditional allow-all", user.Policies)
	}

	post := schema.GetEntity("Post")
	if post == nil {
		t.Fatal("GetEntity(Post) = nil")
	}
	if got := post.GetField("created_at"); got == nil || got.Type != TypeTime {
		t.Errorf("created_at = %+v, want a time field", got)
	}
	views := post.GetField("views")
	if views == nil || len(views.Policies) != 1 {
		t.Fatalf("views policies = %+v, want one", views)
	}
	rel, ok := views.Policies[0].Condition.(*RelationRef)
	if !ok || rel.Relation != "author" {
		t.Fatalf("views condition = %#v, want RelationRef on author", views.Policies[0].Condition)
	}
	if _, ok := rel.Expr.(*FieldRef); !ok {
		t.Errorf("relation inner expr = %#v, want FieldRef", rel.Expr)
	}
	deny := post.Policies[0]
	if deny.Effect != Deny || deny.Actions != ActionRead|ActionUpdate {
		t.Errorf("Post policy = %+v, want read,update deny", deny)
	}
	cmp, ok := deny.Condition.(*Compare)
	if !ok || cmp.Op != OpEQ {
		t.Fatalf("deny condition = %#v, want eq compare", deny.Condition)
	}
}

func TestDecodeSchema_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			name: "unknown field type",
			src:  `{"entities":[{"name":"A","fields":[{"name":"id","type":"decimal"}]}]}`,
		},
		{
			name: "unknown effect",
			src:  `{"entities":[{"name":"A","fields":[{"name":"id","type":"int"}],"policies":[{"actions":"read","effect":"audit"}]}]}`,
		},
		{
			name: "unknown relation kind",
			src:  `{"entities":[{"name":"A","fields":[{"name":"id","type":"int"}],"relations":[{"name":"r","target":"A","kind":"many_to_many","foreign_key":"id"}]}]}`,
		},
		{
			name: "field policy with create action",
			src:  `{"entities":[{"name":"A","fields":[{"name":"id","type":"int","policies":[{"actions":"create","effect":"allow"}]}]}]}`,
		},
		{
			name: "missing primary key",
			src:  `{"entities":[{"name":"A","fields":[{"name":"x","type":"int"}]}]}`,
		},
		{
			name: "not json",
			src:  `{`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSchema(strings.NewReader(tt.src)); err == nil {
				t.Error("DecodeSchema() error = nil, want error")
			}
		})
	}
}

func TestDecodeExpression(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    func(Expression) bool
		wantErr bool
	}{
		{
			name: "empty is unconditional",
			src:  "",
			want: func(e Expression) bool { return e == nil },
		},
		{
			name: "json null is unconditional",
			src:  "null",
			want: func(e Expression) bool { return e == nil },
		},
		{
			name: "value literal",
			src:  `{"kind":"value","value":42}`,
			want: func(e Expression) bool {
				v, ok := e.(*Value)
				return ok && v.V == float64(42)
			},
		},
		{
			name: "auth reference",
			src:  `{"kind":"auth","attr":"uid"}`,
			want: func(e Expression) bool {
				a, ok := e.(*AuthRef)
				return ok && a.Attr == "uid"
			},
		},
		{
			name: "nested logic",
			src: `{"kind":"and",
				"left":{"kind":"not","expr":{"kind":"field","name":"hidden"}},
				"right":{"kind":"or",
					"left":{"kind":"field","name":"a"},
					"right":{"kind":"field","name":"b"}}}`,
			want: func(e Expression) bool {
				and, ok := e.(*Logical)
				if !ok || and.Op != OpAnd {
					return false
				}
				not, ok := and.Left.(*Logical)
				if !ok || not.Op != OpNot || not.Right != nil {
					return false
				}
				or, ok := and.Right.(*Logical)
				return ok && or.Op == OpOr
			},
		},
		{
			name: "cel rule",
			src:  `{"kind":"cel","source":"row.x > 3"}`,
			want: func(e Expression) bool {
				r, ok := e.(*CELRule)
				return ok && r.Source == "row.x > 3"
			},
		},
		{
			name:    "compare missing operand",
			src:     `{"kind":"compare","op":"eq","left":{"kind":"field","name":"x"}}`,
			wantErr: true,
		},
		{
			name:    "unknown operator",
			src:     `{"kind":"compare","op":"like","left":{"kind":"field","name":"x"},"right":{"kind":"value","value":1}}`,
			wantErr: true,
		},
		{
			name:    "not without operand",
			src:     `{"kind":"not"}`,
			wantErr: true,
		},
		{
			name:    "unknown kind",
			src:     `{"kind":"between"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeExpression([]byte(tt.src))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeExpression() = %#v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeExpression() error = %v", err)
			}
			if !tt.want(got) {
				t.Errorf("DecodeExpression() = %#v, unexpected shape", got)
			}
		})
	}
}
