package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

func testSchema() *entities.Schema {
	return &entities.Schema{Entities: []*entities.Entity{
		{
			Name: "User",
			Fields: []*entities.Field{
				{Name: "id", Type: entities.TypeInt},
				{Name: "name", Type: entities.TypeString},
				{Name: "admin", Type: entities.TypeBool},
			},
			Relations: []*entities.Relation{
				{Name: "posts", Target: "Post", Kind: entities.ToMany, ForeignKey: "author_id"},
			},
		},
		{
			Name: "Post",
			Fields: []*entities.Field{
				{Name: "id", Type: entities.TypeInt},
				{Name: "title", Type: entities.TypeString},
				{Name: "views", Type: entities.TypeInt},
				{Name: "author_id", Type: entities.TypeInt},
			},
			Relations: []*entities.Relation{
				{Name: "author", Target: "User", Kind: entities.ToOne, ForeignKey: "author_id"},
			},
		},
	}}
}

func seededStore() *Store {
	s := New(testSchema())
	s.Seed("User",
		entities.Row{"id": 1, "name": "alice", "admin": true},
		entities.Row{"id": 2, "name": "bob", "admin": false},
	)
	s.Seed("Post",
		entities.Row{"id": 1, "title": "a", "views": 10, "author_id": 1},
		entities.Row{"id": 2, "title": "b", "views": 0, "author_id": 1},
		entities.Row{"id": 3, "title": "c", "views": 5, "author_id": 2},
	)
	return s
}

func TestStore_Query_Filter(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	tests := []struct {
		name    string
		filter  entities.Expression
		wantIDs []int
	}{
		{name: "no filter", filter: nil, wantIDs: []int{1, 2, 3}},
		{name: "equality", filter: entities.EQ(entities.FieldOf("author_id"), entities.Lit(1)), wantIDs: []int{1, 2}},
		{name: "ordering", filter: entities.GT(entities.FieldOf("views"), entities.Lit(4)), wantIDs: []int{1, 3}},
		{name: "conjunction", filter: entities.And(
			entities.EQ(entities.FieldOf("author_id"), entities.Lit(1)),
			entities.GT(entities.FieldOf("views"), entities.Lit(0)),
		), wantIDs: []int{1}},
		{name: "negation", filter: entities.Not(entities.EQ(entities.FieldOf("author_id"), entities.Lit(1))), wantIDs: []int{3}},
		{name: "literal false", filter: entities.Lit(false), wantIDs: nil},
		{name: "null literal is false", filter: entities.Lit(nil), wantIDs: nil},
		{
			name:    "relation existential",
			filter:  entities.Related("author", entities.FieldOf("admin")),
			wantIDs: []int{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Query(ctx, &repositories.StoreQuery{Type: "Post", Filter: tt.filter})
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(rows) != len(tt.wantIDs) {
				t.Fatalf("Query() returned %d rows, want %d", len(rows), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if !looseEqual(rows[i]["id"], id) {
					t.Errorf("row %d id = %v, want %v", i, rows[i]["id"], id)
				}
			}
		})
	}
}

func TestStore_Query_ToManyRelationFilter(t *testing.T) {
	s := seededStore()
	rows, err := s.Query(context.Background(), &repositories.StoreQuery{
		Type:   "User",
		Filter: entities.Related("posts", entities.GT(entities.FieldOf("views"), entities.Lit(6))),
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 || !looseEqual(rows[0]["id"], 1) {
		t.Errorf("Query() = %v, want only user 1", rows)
	}
}

func TestStore_Query_FieldsAndLimit(t *testing.T) {
	s := seededStore()
	rows, err := s.Query(context.Background(), &repositories.StoreQuery{
		Type:   "Post",
		Fields: []string{"id", "title"},
		Limit:  2,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Query() returned %d rows, want 2", len(rows))
	}
	if _, ok := rows[0]["views"]; ok {
		t.Errorf("Query() returned unselected field views")
	}
}

func TestStore_Query_Includes(t *testing.T) {
	s := seededStore()
	rows, err := s.Query(context.Background(), &repositories.StoreQuery{
		Type: "User",
		Include: []repositories.StoreInclude{{
			Relation: "posts",
			Query: &repositories.StoreQuery{
				Type:   "Post",
				Filter: entities.GT(entities.FieldOf("views"), entities.Lit(0)),
				Include: []repositories.StoreInclude{{
					Relation: "author",
					Query:    &repositories.StoreQuery{Type: "User"},
				}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Query() returned %d users, want 2", len(rows))
	}
	posts, ok := rows[0]["posts"].([]entities.Row)
	if !ok {
		t.Fatalf("posts = %T, want []entities.Row", rows[0]["posts"])
	}
	if len(posts) != 1 || posts[0]["title"] != "a" {
		t.Errorf("user 1 posts = %v, want only the viewed post", posts)
	}
	author, ok := posts[0]["author"].(entities.Row)
	if !ok || !looseEqual(author["id"], 1) {
		t.Errorf("nested author = %v, want user 1", posts[0]["author"])
	}
	// The filtered include lists no posts for bob.
	posts, ok = rows[1]["posts"].([]entities.Row)
	if !ok || len(posts) != 0 {
		t.Errorf("user 2 posts = %v, want empty list", rows[1]["posts"])
	}
}

func TestStore_Query_ToOneIncludeFilteredToNil(t *testing.T) {
	s := seededStore()
	rows, err := s.Query(context.Background(), &repositories.StoreQuery{
		Type:   "Post",
		Filter: entities.EQ(entities.FieldOf("id"), entities.Lit(3)),
		Include: []repositories.StoreInclude{{
			Relation: "author",
			Query: &repositories.StoreQuery{
				Type:   "User",
				Filter: entities.FieldOf("admin"),
			},
		}},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Query() returned %d rows, want 1", len(rows))
	}
	if got, ok := rows[0]["author"]; !ok || got != nil {
		t.Errorf("filtered to-one include = %v (present %v), want nil", got, ok)
	}
}

func TestStore_Query_RejectsNonStoreEvaluableFilter(t *testing.T) {
	s := seededStore()
	_, err := s.Query(context.Background(), &repositories.StoreQuery{
		Type:   "Post",
		Filter: entities.CEL("row.views > 0"),
	})
	if err == nil {
		t.Fatal("Query() with opaque rule filter succeeded, want error")
	}
	_, err = s.Query(context.Background(), &repositories.StoreQuery{
		Type:   "Post",
		Filter: entities.EQ(entities.FieldOf("author_id"), entities.Auth("uid")),
	})
	if err == nil {
		t.Fatal("Query() with auth reference filter succeeded, want error")
	}
}

func TestStore_Insert_AssignsKey(t *testing.T) {
	s := New(testSchema())
	row, err := s.Insert(context.Background(), "User", entities.Row{"name": "carol"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if row["id"] == nil {
		t.Error("Insert() did not assign a primary key")
	}
	rows, err := s.Query(context.Background(), &repositories.StoreQuery{Type: "User"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Query() after insert returned %d rows, want 1", len(rows))
	}
}

func TestStore_UpdateDelete_ByKeys(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	n, err := s.Update(ctx, "Post", []any{1, 3}, entities.Row{"views": 99})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Update() count = %d, want 2", n)
	}
	rows, _ := s.Query(ctx, &repositories.StoreQuery{
		Type:   "Post",
		Filter: entities.EQ(entities.FieldOf("views"), entities.Lit(99)),
	})
	if len(rows) != 2 {
		t.Errorf("rows with updated views = %d, want 2", len(rows))
	}

	n, err = s.Delete(ctx, "Post", []any{int64(2)})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Delete() count = %d, want 1", n)
	}
	rows, _ = s.Query(ctx, &repositories.StoreQuery{Type: "Post"})
	if len(rows) != 2 {
		t.Errorf("rows after delete = %d, want 2", len(rows))
	}
}

func TestStore_UnknownEntity(t *testing.T) {
	s := New(testSchema())
	_, err := s.Query(context.Background(), &repositories.StoreQuery{Type: "Nope"})
	if !errors.Is(err, repositories.ErrUnknownEntity) {
		t.Errorf("Query() error = %v, want ErrUnknownEntity", err)
	}
}

func TestStore_RunInTx_RollbackRestoresState(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx repositories.Store) error {
		if _, err := tx.Insert(ctx, "Post", entities.Row{"title": "d", "views": 1, "author_id": 2}); err != nil {
			return err
		}
		if _, err := tx.Delete(ctx, "Post", []any{1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx() error = %v, want boom", err)
	}

	rows, err := s.Query(ctx, &repositories.StoreQuery{Type: "Post"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows after rollback = %d, want 3", len(rows))
	}
	if !looseEqual(rows[0]["id"], 1) {
		t.Errorf("deleted row not restored: %v", rows)
	}
}

func TestStore_RunInTx_CommitKeepsWrites(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx repositories.Store) error {
		_, err := tx.Update(ctx, "User", []any{2}, entities.Row{"admin": true})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx() error = %v", err)
	}

	rows, _ := s.Query(ctx, &repositories.StoreQuery{
		Type:   "User",
		Filter: entities.FieldOf("admin"),
	})
	if len(rows) != 2 {
		t.Errorf("admins after commit = %d, want 2", len(rows))
	}
}
