package alert

import "testing"

func TestScanExactMatch(t *testing.T) {
	m := New([]Rule{{Name: "fire", Keywords: []string{"fire"}}})

	hits := m.Scan("reported structure fire on the east side")
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Rule != "fire" || hits[0].Keyword != "fire" {
		t.Errorf("hit = %+v", hits[0])
	}
	if hits[0].Word != "fire" {
		t.Errorf("matched word = %q, want %q", hits[0].Word, "fire")
	}
	if hits[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1.0 for an exact match", hits[0].Score)
	}
}

func TestScanCaseInsensitive(t *testing.T) {
	m := New([]Rule{{Name: "fire", Keywords: []string{"FIRE"}}})

	if hits := m.Scan("Fire reported"); len(hits) != 1 {
		t.Errorf("got %d hits, want case-insensitive match", len(hits))
	}
}

func TestScanPhoneticMisspelling(t *testing.T) {
	m := New([]Rule{{Name: "streets", Keywords: []string{"main street"}}})

	// Speech-to-text output: phonetically identical, spelled differently.
	hits := m.Scan("accident at mane street and fifth")
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want phonetic match for misspelled street", len(hits))
	}
	if hits[0].Word != "mane street" {
		t.Errorf("matched window = %q, want %q", hits[0].Word, "mane street")
	}
}

func TestScanNoMatch(t *testing.T) {
	m := New([]Rule{{Name: "fire", Keywords: []string{"fire"}}})

	if hits := m.Scan("routine traffic stop completed"); len(hits) != 0 {
		t.Errorf("got %d hits on an unrelated transcript: %v", len(hits), hits)
	}
}

func TestScanEmptyTranscript(t *testing.T) {
	m := New([]Rule{{Name: "fire", Keywords: []string{"fire"}}})

	if hits := m.Scan(""); hits != nil {
		t.Errorf("empty transcript produced hits: %v", hits)
	}
	if hits := m.Scan("   \t  "); hits != nil {
		t.Errorf("whitespace transcript produced hits: %v", hits)
	}
}

func TestScanAtMostOneHitPerKeyword(t *testing.T) {
	m := New([]Rule{{Name: "fire", Keywords: []string{"fire"}}})

	if hits := m.Scan("fire fire fire"); len(hits) != 1 {
		t.Errorf("got %d hits for a repeated word, want 1", len(hits))
	}
}

func TestScanMultipleRules(t *testing.T) {
	m := New([]Rule{
		{Name: "fire", Keywords: []string{"fire"}},
		{Name: "medical", Keywords: []string{"ambulance"}},
	})

	hits := m.Scan("fire reported, ambulance dispatched")
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want one per rule", len(hits))
	}
	names := map[string]bool{}
	for _, h := range hits {
		names[h.Rule] = true
	}
	if !names["fire"] || !names["medical"] {
		t.Errorf("hit rules = %v, want both", names)
	}
}

func TestScanKeywordlessRuleNeverMatches(t *testing.T) {
	m := New([]Rule{{Name: "empty"}})

	if hits := m.Scan("anything at all"); len(hits) != 0 {
		t.Errorf("keyword-less rule matched: %v", hits)
	}
}

func TestThresholdOptions(t *testing.T) {
	// With an impossible threshold nothing matches, even exactly.
	strict := New(
		[]Rule{{Name: "fire", Keywords: []string{"fire"}}},
		WithPhoneticThreshold(1.01),
		WithFuzzyThreshold(1.01),
	)
	if hits := strict.Scan("fire reported"); len(hits) != 0 {
		t.Errorf("threshold above 1.0 still matched: %v", hits)
	}
}
