package netns

import (
	"reflect"
	"testing"
)

func TestArgs_NoNamespace(t *testing.T) {
	path, args := Args("", "/bin/target", []string{"-x"})
	if path != "/bin/target" || !reflect.DeepEqual(args, []string{"-x"}) {
		t.Fatalf("got %q %v, want unchanged command", path, args)
	}
}

func TestArgs_WithNamespace(t *testing.T) {
	path, args := Args("fuzzns0", "/bin/target", []string{"-x", "--port=9000"})
	if path != "ip" {
		t.Fatalf("path = %q, want ip", path)
	}
	want := []string{"netns", "exec", "fuzzns0", "/bin/target", "-x", "--port=9000"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}
