package runner

import (
	"reflect"
	"testing"

	"github.com/holon-run/agentrelay/pkg/backend"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		kind     backend.Kind
		extra    []string
		resumeID string
		want     []string
	}{
		{
			name: "claude defaults",
			kind: backend.Claude,
			want: []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
		},
		{
			name:     "claude resume",
			kind:     backend.GLM,
			extra:    []string{"--model", "glm-4.6"},
			resumeID: "sess-1",
			want:     []string{"--model", "glm-4.6", "-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "--resume", "sess-1"},
		},
		{
			name:  "claude extras satisfy requirements",
			kind:  backend.Claude,
			extra: []string{"--print", "--output-format=json"},
			want:  []string{"--print", "--output-format=json", "--verbose", "--dangerously-skip-permissions"},
		},
		{
			name:     "caller resume wins",
			kind:     backend.Claude,
			extra:    []string{"--resume", "mine"},
			resumeID: "tracked",
			want:     []string{"--resume", "mine", "-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
		},
		{
			name: "codex defaults",
			kind: backend.Codex,
			want: []string{"exec", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox", "-"},
		},
		{
			name:     "codex resume",
			kind:     backend.Codex,
			extra:    []string{"-m", "gpt-5", "-"},
			resumeID: "0199-abc",
			want:     []string{"-m", "gpt-5", "exec", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox", "resume", "0199-abc", "-"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildArgs(tt.kind, tt.extra, tt.resumeID)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs() =\n  %q\nwant\n  %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgsDoesNotMutateExtra(t *testing.T) {
	extra := []string{"-", "--verbose"}
	_ = BuildArgs(backend.Codex, extra, "")
	if !reflect.DeepEqual(extra, []string{"-", "--verbose"}) {
		t.Fatalf("extra mutated: %q", extra)
	}
}

func TestDedupeSingletons(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "first occurrence keeps its position and value",
			in:   []string{"--verbose", "--output-format", "json", "-p", "--verbose", "--output-format", "stream-json", "x"},
			want: []string{"--verbose", "--output-format", "json", "-p", "x"},
		},
		{
			name: "aliases share one slot",
			in:   []string{"--print", "-p", "-r", "a", "--resume", "b"},
			want: []string{"--print", "-r", "a"},
		},
		{
			name: "inline values",
			in:   []string{"--resume=a", "--resume", "b", "--model", "m", "--model", "n"},
			want: []string{"--resume=a", "--model", "m", "--model", "n"},
		},
		{
			name: "dangling value flag",
			in:   []string{"--output-format", "json", "--output-format"},
			want: []string{"--output-format", "json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dedupeSingletons(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("dedupeSingletons() = %q, want %q", got, tt.want)
			}
		})
	}
}
