package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinimdocarmo/layercache/internal/archive"
)

type cmdCall struct {
	name string
	args []string
}

func newTestClient(t *testing.T, calls *[]cmdCall, env ...string) *Client {
	t.Helper()
	newCmd := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, cmdCall{name: name, args: append([]string{}, args...)})
		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
	return New(log.New(os.Stderr), WithBinary("docker"), WithCommand(newCmd))
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	idx := -1
	for i, arg := range args {
		if arg == "--" {
			idx = i
			break
		}
	}
	if idx == -1 || idx+2 >= len(args) {
		os.Exit(0)
	}
	actualArgs := args[idx+2:]

	if msg := os.Getenv("HELPER_FAIL"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}

	switch actualArgs[0] {
	case "save":
		if err := archive.WriteTar(os.Stdout, os.Getenv("HELPER_SAVE_DIR")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "load":
		if err := archive.ExtractTar(os.Stdin, os.Getenv("HELPER_LOAD_DIR")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Loaded image: app:latest")
	case "history", "images":
		os.Stdout.WriteString(os.Getenv("HELPER_OUTPUT"))
	}
	os.Exit(0)
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestSaveUnpacksIntoDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "manifest.json"), "[]")
	writeFile(t, filepath.Join(src, "abc", "layer.tar"), "layer")

	var calls []cmdCall
	c := newTestClient(t, &calls, "HELPER_SAVE_DIR="+src)

	dst := t.TempDir()
	require.NoError(t, c.Save(context.Background(), []string{"app:latest", "sha256:1234"}, dst))

	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].name)
	assert.Equal(t, []string{"save", "app:latest", "sha256:1234"}, calls[0].args)

	data, err := os.ReadFile(filepath.Join(dst, "abc", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer", string(data))
}

func TestSaveRequiresRefs(t *testing.T) {
	var calls []cmdCall
	c := newTestClient(t, &calls)
	assert.Error(t, c.Save(context.Background(), nil, t.TempDir()))
	assert.Empty(t, calls)
}

func TestLoadStreamsDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "manifest.json"), "[]")
	writeFile(t, filepath.Join(src, "abc", "layer.tar"), "layer")

	dst := t.TempDir()
	var calls []cmdCall
	c := newTestClient(t, &calls, "HELPER_LOAD_DIR="+dst)

	require.NoError(t, c.Load(context.Background(), src))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"load"}, calls[0].args)

	data, err := os.ReadFile(filepath.Join(dst, "abc", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer", string(data))
}

func TestHistorySkipsMissing(t *testing.T) {
	var calls []cmdCall
	c := newTestClient(t, &calls, "HELPER_OUTPUT=sha256:aaa\n<missing>\n\nsha256:bbb\n")

	ids, err := c.History(context.Background(), "app:latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:aaa", "sha256:bbb"}, ids)
	assert.Equal(t, []string{"history", "-q", "app:latest"}, calls[0].args)
}

func TestImagesParsesJSONLines(t *testing.T) {
	out := `{"ID":"abc","Repository":"app","Tag":"latest","Digest":"<none>"}
{"ID":"def","Repository":"<none>","Tag":"<none>","Digest":"<none>"}
`
	var calls []cmdCall
	c := newTestClient(t, &calls, "HELPER_OUTPUT="+out)

	images, err := c.Images(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, Image{ID: "abc", Repository: "app", Tag: "latest", Digest: "<none>"}, images[0])
	assert.Equal(t, "def", images[1].ID)
}

func TestCommandFailureIncludesStderr(t *testing.T) {
	var calls []cmdCall
	c := newTestClient(t, &calls, "HELPER_FAIL=Cannot connect to the Docker daemon")

	_, err := c.History(context.Background(), "app:latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker history failed")
	assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")

	err = c.Save(context.Background(), []string{"app"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")
}
