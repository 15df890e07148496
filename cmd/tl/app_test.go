package main

import (
	"testing"

	"github.com/tasklane/tasklane/internal/config"
)

func TestMySQLConfigMapping(t *testing.T) {
	db := config.Database{
		Driver:   "mysql",
		Host:     "db.internal",
		Port:     3307,
		User:     "tl",
		Password: "s3cret",
		Name:     "tasklane",
		TLS:      true,
	}
	got := mysqlConfig(db)
	if got.Host != "db.internal" || got.Port != 3307 {
		t.Errorf("host/port = %s:%d", got.Host, got.Port)
	}
	if got.User != "tl" || got.Password != "s3cret" {
		t.Errorf("credentials = %s/%s", got.User, got.Password)
	}
	if got.Database != "tasklane" {
		t.Errorf("database = %q", got.Database)
	}
	if !got.TLS {
		t.Error("tls not carried through")
	}
}

func TestParseDate(t *testing.T) {
	if d, err := parseDate(""); err != nil || d != nil {
		t.Errorf("empty date: %v %v", d, err)
	}
	d, err := parseDate("2026-03-15")
	if err != nil {
		t.Fatalf("parseDate: %v", err)
	}
	if d.Year() != 2026 || d.Month() != 3 || d.Day() != 15 {
		t.Errorf("parsed = %v", d)
	}
	if _, err := parseDate("15/03/2026"); err == nil {
		t.Error("accepted non-ISO date")
	}
}

func TestSplitGroups(t *testing.T) {
	got := splitGroups(" dev, qa ,,dev ")
	if len(got) != 2 || got[0] != "dev" || got[1] != "qa" {
		t.Errorf("splitGroups = %v", got)
	}
	if got := splitGroups(""); len(got) != 0 {
		t.Errorf("splitGroups(\"\") = %v", got)
	}
}
