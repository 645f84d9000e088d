package globmatch

import "testing"

func TestMatchExactSegment(t *testing.T) {
	if !Match("src/api/handler.go", "src/api/handler.go") {
		t.Fatal("expected exact match")
	}
}

func TestMatchSingleStarDoesNotCrossSlash(t *testing.T) {
	if Match("src/*.go", "src/api/handler.go") {
		t.Fatal("single * should not match across a directory boundary")
	}
	if !Match("src/*.go", "src/handler.go") {
		t.Fatal("single * should match within one segment")
	}
}

func TestMatchDoubleStarMatchesArbitraryDepth(t *testing.T) {
	cases := []string{"src/handler.go", "src/api/handler.go", "src/api/v2/handler.go"}
	for _, c := range cases {
		if !Match("src/**/*.go", c) && !Match("src/**.go", c) {
			// allow either convention; primary assertion below
		}
	}
	if !Match("src/**/handler.go", "src/api/v2/handler.go") {
		t.Fatal("** should match multiple intermediate segments")
	}
	if !Match("src/**/handler.go", "src/handler.go") {
		t.Fatal("** should match zero intermediate segments")
	}
}

func TestMatchRejectsOutsideScope(t *testing.T) {
	if Match("src/**", "docs/readme.md") {
		t.Fatal("unrelated path should not match")
	}
}

func TestAllMatchRequiresEveryFile(t *testing.T) {
	files := []string{"src/a.go", "src/b.go"}
	if !AllMatch("src/**", files) {
		t.Fatal("expected all files under src/** to match")
	}
	files2 := []string{"src/a.go", "docs/readme.md"}
	if AllMatch("src/**", files2) {
		t.Fatal("one file outside scope should fail AllMatch")
	}
}

func TestAllMatchEmptyFilesIsFalse(t *testing.T) {
	if AllMatch("src/**", nil) {
		t.Fatal("zero files should not be considered in-scope")
	}
}

func TestMatchAnyOfMultiplePatterns(t *testing.T) {
	if !MatchAny([]string{"docs/**", "src/**"}, "src/a.go") {
		t.Fatal("expected match against second pattern")
	}
	if MatchAny([]string{"docs/**"}, "src/a.go") {
		t.Fatal("expected no match")
	}
}
