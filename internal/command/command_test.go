package command

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"simple", "npm run build", []string{"npm", "run", "build"}, false},
		{"double quotes", `sh -c "echo hi"`, []string{"sh", "-c", "echo hi"}, false},
		{"single quotes", `echo 'a b'`, []string{"echo", "a b"}, false},
		{"escaped space", `echo a\ b`, []string{"echo", "a b"}, false},
		{"mixed quotes", `echo "it's"`, []string{"echo", "it's"}, false},
		{"collapsed whitespace", "  go \t build  ", []string{"go", "build"}, false},
		{"unterminated", `echo "oops`, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Split(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Split(%q) expected error, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Split(%q) error: %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Split(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestExecutable(t *testing.T) {
	exe, err := Executable("node server.js --port 3000")
	if err != nil {
		t.Fatalf("Executable error: %v", err)
	}
	if exe != "node" {
		t.Fatalf("expected node, got %q", exe)
	}
	exe, err = Executable("   ")
	if err != nil || exe != "" {
		t.Fatalf("expected empty executable, got %q err %v", exe, err)
	}
}
