package safety

import (
	"strings"
	"sync"
	"testing"
)

func studentsPolicy() Policy {
	return Policy{
		Table:  "students",
		Schema: "public",
		AllowedColumns: []string{
			"name", "socialname", "currentcity", "currentstate",
			"jan", "feb", "mar",
		},
		ForbiddenKeywords: DefaultForbiddenKeywords(),
	}
}

func TestValidate_AcceptsAllowListedProjection(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	accepted := []string{
		"SELECT name FROM public.students",
		"select name from students",
		"SELECT name, jan FROM students",
		"SELECT * FROM public.students",
		"  SELECT name FROM students WHERE name = 'x'",
		"SELECT name, currentCity FROM public.students",
	}
	for _, sql := range accepted {
		if err := v.Validate(sql); err != nil {
			t.Errorf("Validate(%q) = %v, want accept", sql, err)
		}
	}
}

func TestValidate_RejectsNonSelect(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	if err := v.Validate("UPDATE students SET name='x'"); err == nil {
		t.Fatal("expected rejection for UPDATE statement")
	}
	if err := v.Validate("  DROP TABLE students"); err == nil {
		t.Fatal("expected rejection for DROP statement")
	}
	if err := v.Validate(""); err == nil {
		t.Fatal("expected rejection for empty statement")
	}
}

func TestValidate_RejectsForbiddenKeyword(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	err := v.Validate("select * from students; DROP TABLE students")
	if err == nil {
		t.Fatal("expected rejection for trailing DROP")
	}
	if !strings.Contains(err.Error(), "forbidden keyword") {
		t.Errorf("unexpected rejection reason: %v", err)
	}
}

func TestValidate_RejectsWrongTable(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	if err := v.Validate("SELECT * FROM other_table"); err == nil {
		t.Fatal("expected rejection for statement not referencing students")
	}
}

func TestValidate_RejectsUnknownColumn(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	err := v.Validate("SELECT secretcol FROM students")
	if err == nil {
		t.Fatal("expected rejection for column outside allow-list")
	}
	if !strings.Contains(err.Error(), "allow-list") {
		t.Errorf("unexpected rejection reason: %v", err)
	}
}

func TestValidate_ProjectionWhitespaceStripped(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	if err := v.Validate("SELECT name ,  jan FROM students"); err != nil {
		t.Errorf("whitespace around commas should not matter: %v", err)
	}
}

func TestValidate_NoFromShapeSkipsProjectionCheck(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	// No "select ... from" shape: projection check is skipped, but the
	// table-reference check still applies.
	if err := v.Validate("select students"); err != nil {
		t.Errorf("statement without FROM should skip projection check, got %v", err)
	}
}

func TestValidate_CaseInsensitive(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	if err := v.Validate("SeLeCt NAME from PUBLIC.STUDENTS"); err != nil {
		t.Errorf("validation should be case-insensitive: %v", err)
	}
	if err := v.Validate("select * from students; dRoP table students"); err == nil {
		t.Error("forbidden keyword check should be case-insensitive")
	}
}

func TestValidate_ParseCheck(t *testing.T) {
	t.Parallel()
	policy := studentsPolicy()
	policy.ParseCheck = true
	v := NewValidator(policy)

	if err := v.Validate("SELECT name FROM public.students"); err != nil {
		t.Errorf("valid single SELECT should pass parse check: %v", err)
	}
	if err := v.Validate("SELECT name FROM students UNION SELECT name FROM students WHERE jan is not null AND mar <> ''; SELECT 1 FROM students"); err == nil {
		t.Error("multi-statement query should fail parse check")
	}
	if err := v.Validate("SELECT name FROM FROM students"); err == nil {
		t.Error("unparseable statement should fail parse check")
	}
}

func TestNewValidator_PanicsOnEmptyTable(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty table")
		}
	}()
	NewValidator(Policy{Table: "  "})
}

func TestValidate_ConcurrentUse(t *testing.T) {
	t.Parallel()
	v := NewValidator(studentsPolicy())

	statements := []string{
		"SELECT name FROM public.students",
		"SELECT secretcol FROM students",
		"UPDATE students SET name='x'",
		"select * from students; DROP TABLE students",
		"SELECT name, jan FROM students",
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = v.Validate(statements[(id+j)%len(statements)])
			}
		}(i)
	}
	wg.Wait()
}
