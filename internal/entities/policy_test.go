package entities

import "testing"

func TestParseActionSet(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ActionSet
		wantErr bool
	}{
		{name: "single action", input: "read", want: ActionRead},
		{name: "multiple actions", input: "create,update", want: ActionCreate | ActionUpdate},
		{name: "all keyword", input: "all", want: ActionAll},
		{name: "whitespace tolerated", input: " read , delete ", want: ActionRead | ActionDelete},
		{name: "duplicate action", input: "read,read", want: ActionRead},
		{name: "unknown action", input: "browse", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "only commas", input: ",,", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActionSet(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseActionSet(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseActionSet(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseActionSet(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestActionSet_String(t *testing.T) {
	tests := []struct {
		name string
		set  ActionSet
		want string
	}{
		{name: "single", set: ActionUpdate, want: "update"},
		{name: "ordered combination", set: ActionDelete | ActionCreate, want: "create,delete"},
		{name: "all", set: ActionAll, want: "all"},
		{name: "empty", set: 0, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionSet_Has(t *testing.T) {
	set := ActionRead | ActionUpdate
	if !set.Has(ActionRead) {
		t.Error("Has(ActionRead) = false, want true")
	}
	if set.Has(ActionDelete) {
		t.Error("Has(ActionDelete) = true, want false")
	}
}

func TestEffect_String(t *testing.T) {
	if got := Allow.String(); got != "allow" {
		t.Errorf("Allow.String() = %q, want %q", got, "allow")
	}
	if got := Deny.String(); got != "deny" {
		t.Errorf("Deny.String() = %q, want %q", got, "deny")
	}
}
