package hostutil

import "testing"

func TestSubdomain(t *testing.T) {
	cases := []struct {
		name string
		host string
		root string
		sub  string
		ok   bool
	}{
		{"plain subdomain", "blog.example.test", "example.test", "blog", true},
		{"subdomain with port", "blog.example.test:8080", "example.test", "blog", true},
		{"root domain", "example.test", "example.test", "", true},
		{"www alias", "www.example.test", "example.test", "", true},
		{"case folded", "Blog.Example.Test", "example.test", "blog", true},
		{"foreign host", "blog.other.test", "example.test", "", false},
		{"nested subdomain", "a.b.example.test", "example.test", "", false},
		{"suffix overlap", "notexample.test", "example.test", "", false},
		{"empty host", "", "example.test", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub, ok := Subdomain(tc.host, tc.root)
			if ok != tc.ok || sub != tc.sub {
				t.Fatalf("Subdomain(%q, %q) = (%q, %v), want (%q, %v)", tc.host, tc.root, sub, ok, tc.sub, tc.ok)
			}
		})
	}
}
