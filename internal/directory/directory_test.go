package directory

import (
	"context"
	"testing"
)

func TestStaticGroupsForUser(t *testing.T) {
	dir := Static{
		"alice": {"Dev", "dev", " QA "},
		"bob":   {},
	}
	ctx := context.Background()

	groups, err := dir.GroupsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GroupsForUser: %v", err)
	}
	if len(groups) != 2 || groups[0] != "dev" || groups[1] != "qa" {
		t.Errorf("groups = %v, want normalized [dev qa]", groups)
	}

	// Unknown users have no groups; that is not an error.
	groups, err = dir.GroupsForUser(ctx, "mallory")
	if err != nil {
		t.Fatalf("GroupsForUser(unknown): %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("unknown user groups = %v, want none", groups)
	}
}
