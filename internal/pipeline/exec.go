package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"readly/internal/model"
)

// ExecRenderer shells out to the configured headless-browser helper. The
// helper receives the URL as its only argument and prints one JSON object
// {title, author, markup, source_url, published_at} on stdout.
type ExecRenderer struct {
	Command string
}

func (r *ExecRenderer) Render(ctx context.Context, url string) (*model.Content, error) {
	cmd := exec.CommandContext(ctx, r.Command, url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %v | %s", r.Command, err, strings.TrimSpace(stderr.String()))
	}

	var content model.Content
	if err := json.Unmarshal(stdout.Bytes(), &content); err != nil {
		return nil, fmt.Errorf("%s output parse error: %v", r.Command, err)
	}
	return &content, nil
}

// ExecEncoder shells out to one helper per output format. Each helper
// reads article markup on stdin, takes --title/--author flags, and writes
// the encoded document to stdout.
type ExecEncoder struct {
	// Commands maps each output format to its helper binary.
	Commands map[model.Format]string
}

func (e *ExecEncoder) Encode(ctx context.Context, format model.Format, content *model.Content) ([]byte, error) {
	command, ok := e.Commands[format]
	if !ok || command == "" {
		return nil, fmt.Errorf("no encoder command configured for %s", format)
	}

	args := []string{"--title", content.Title}
	if content.Author != "" {
		args = append(args, "--author", content.Author)
	}
	if content.SourceURL != "" {
		args = append(args, "--source", content.SourceURL)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = strings.NewReader(content.Markup)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %v | %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
