package editkey

import "testing"

func TestNew(t *testing.T) {
	key := New()
	if !Valid(key) {
		t.Fatalf("fresh key %q is not valid", key)
	}
	if key == New() {
		t.Fatalf("two fresh keys collided")
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"deadbeefdeadbeefdeadbeefdeadbeef": true,
		"":                                 false,
		"deadbeef":                         false,
		"deadbeefdeadbeefdeadbeefdeadbee":  false,
		"deadbeefdeadbeefdeadbeefdeadbeeg": false,
		"DEADBEEFDEADBEEFDEADBEEFDEADBEEF": true,
	}
	for s, want := range cases {
		if got := Valid(s); got != want {
			t.Errorf("Valid(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestMatch(t *testing.T) {
	key := New()
	if !Match(key, key) {
		t.Fatalf("key does not match itself")
	}
	if Match(key, New()) {
		t.Fatalf("distinct keys matched")
	}
	if Match(key, "") || Match("", key) {
		t.Fatalf("empty key matched")
	}
}
