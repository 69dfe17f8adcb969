package entities

import "testing"

func TestRow_Clone(t *testing.T) {
	original := Row{
		"id":    1,
		"owner": Row{"id": 2, "admin": true},
		"items": []Row{
			{"id": 3, "val": "a"},
			{"id": 4, "val": "b"},
		},
	}
	clone := original.Clone()

	clone["id"] = 99
	clone["owner"].(Row)["admin"] = false
	clone["items"].([]Row)[0]["val"] = "mutated"

	if original["id"] != 1 {
		t.Errorf(`original["id"] = %v, want 1`, original["id"])
	}
	if original["owner"].(Row)["admin"] != true {
		t.Error("nested to-one row mutated through clone")
	}
	if original["items"].([]Row)[0]["val"] != "a" {
		t.Error("nested to-many row mutated through clone")
	}
}

func TestRow_Clone_Nil(t *testing.T) {
	var r Row
	if got := r.Clone(); got != nil {
		t.Errorf("Clone() = %v, want nil", got)
	}
}

func TestRow_Has(t *testing.T) {
	r := Row{"present": nil}
	if !r.Has("present") {
		t.Error(`Has("present") = false, want true (nil value still counts)`)
	}
	if r.Has("absent") {
		t.Error(`Has("absent") = true, want false`)
	}
}

func TestAuthContext_Get(t *testing.T) {
	var anon AuthContext
	if v, ok := anon.Get("uid"); ok || v != nil {
		t.Errorf("nil context Get() = %v, %v, want nil, false", v, ok)
	}

	auth := AuthContext{"uid": 7, "role": nil}
	if v, ok := auth.Get("uid"); !ok || v != 7 {
		t.Errorf(`Get("uid") = %v, %v, want 7, true`, v, ok)
	}
	if _, ok := auth.Get("role"); !ok {
		t.Error(`Get("role") = false, want true for explicit nil attribute`)
	}
	if _, ok := auth.Get("missing"); ok {
		t.Error(`Get("missing") = true, want false`)
	}
}
