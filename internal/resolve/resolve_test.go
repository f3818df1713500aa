package resolve

import "testing"

func TestLooksLikeDID(t *testing.T) {
	cases := map[string]bool{
		"did:plc:abcdefghijklmnopqrstuvwx": true,
		"did:web:example.com":              true,
		"not-a-did":                        false,
		"did:":                             false,
		"did":                              false,
		"":                                 false,
	}
	for input, want := range cases {
		if got := looksLikeDID(input); got != want {
			t.Errorf("looksLikeDID(%q) = %v, want %v", input, got, want)
		}
	}
}
