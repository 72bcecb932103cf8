// Package docker drives the docker CLI to export images to, and import
// them from, an unpacked `docker save` directory.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/vinimdocarmo/layercache/internal/archive"
)

// CommandFunc builds the command for name and args. Tests swap it out.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Client runs docker commands.
type Client struct {
	bin    string
	newCmd CommandFunc
	log    *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary sets the docker executable, "docker" by default.
func WithBinary(bin string) Option {
	return func(c *Client) {
		if bin != "" {
			c.bin = bin
		}
	}
}

// WithCommand replaces how commands are constructed.
func WithCommand(fn CommandFunc) Option {
	return func(c *Client) {
		c.newCmd = fn
	}
}

func New(logger *log.Logger, opts ...Option) *Client {
	dockerLog := logger.With()
	dockerLog.SetPrefix("🐳 docker")

	c := &Client{
		bin:    "docker",
		newCmd: exec.CommandContext,
		log:    dockerLog,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Image is one line of `docker images --format {{json .}}`.
type Image struct {
	ID         string `json:"ID"`
	Repository string `json:"Repository"`
	Tag        string `json:"Tag"`
	Digest     string `json:"Digest"`
}

// Save exports refs with `docker save` and unpacks the stream into dir.
func (c *Client) Save(ctx context.Context, refs []string, dir string) error {
	if len(refs) == 0 {
		return errors.New("no images to save")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := append([]string{"save"}, refs...)
	cmd := c.newCmd(ctx, c.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	c.log.Info("Saving images", "refs", refs, "dir", dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start docker save: %w", err)
	}

	extractErr := archive.ExtractTar(stdout, dir)
	if extractErr != nil {
		cancel()
	} else {
		// drain trailing padding so docker is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if extractErr != nil {
		return fmt.Errorf("failed to unpack docker save output into %s: %w", dir, extractErr)
	}
	if waitErr != nil {
		return commandError("save", waitErr, &stderr)
	}
	return nil
}

// Load packs dir into a tar stream and feeds it to `docker load`.
func (c *Client) Load(ctx context.Context, dir string) error {
	cmd := c.newCmd(ctx, c.bin, "load")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	pr, pw := io.Pipe()
	cmd.Stdin = pr
	writeErr := make(chan error, 1)
	go func() {
		err := archive.WriteTar(pw, dir)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	c.log.Info("Loading images", "dir", dir)
	runErr := cmd.Run()
	pr.Close()
	if err := <-writeErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("failed to pack %s for docker load: %w", dir, err)
	}
	if runErr != nil {
		return commandError("load", runErr, &stderr)
	}

	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line != "" {
			c.log.Info(line)
		}
	}
	return nil
}

// History returns the ids of every image ref was built from, newest first.
// Layers docker cannot attribute to an image show up as <missing> and are
// skipped.
func (c *Client) History(ctx context.Context, ref string) ([]string, error) {
	out, err := c.output(ctx, "history", "-q", ref)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		id := strings.TrimSpace(line)
		if id == "" || id == "<missing>" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Images lists the images known to the local engine.
func (c *Client) Images(ctx context.Context) ([]Image, error) {
	out, err := c.output(ctx, "images", "--digests", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}

	var images []Image
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var img Image
		if err := json.Unmarshal([]byte(line), &img); err != nil {
			return nil, fmt.Errorf("failed to parse docker images output %q: %w", line, err)
		}
		images = append(images, img)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *Client) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := c.newCmd(ctx, c.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.log.Debug("Running docker", "args", args)
	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(args[0], err, &stderr)
	}
	return out, nil
}

func commandError(sub string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("docker %s failed: %w", sub, err)
	}
	return fmt.Errorf("docker %s failed: %w: %s", sub, err, msg)
}
