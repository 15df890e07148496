package permit

import (
	"reflect"
	"testing"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name     string
		actor    []string
		required []string
		want     bool
	}{
		{"single overlap", []string{"dev"}, []string{"dev"}, true},
		{"overlap among many", []string{"qa", "dev"}, []string{"ops", "dev"}, true},
		{"no overlap", []string{"qa"}, []string{"dev"}, false},
		{"case-insensitive", []string{"Dev"}, []string{"DEV"}, true},
		{"whitespace tolerated", []string{" dev "}, []string{"dev"}, true},
		{"empty actor groups", nil, []string{"dev"}, false},
		{"empty required set permits nobody", []string{"dev"}, nil, false},
		{"both empty", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.actor, tt.required); got != tt.want {
				t.Errorf("Allowed(%v, %v) = %v, want %v", tt.actor, tt.required, got, tt.want)
			}
		})
	}
}

func TestNormalizeAll(t *testing.T) {
	got := NormalizeAll([]string{"Dev", "dev", " QA ", "", "ops"})
	want := []string{"dev", "qa", "ops"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeAll = %v, want %v", got, want)
	}
}
