// Package vcs abstracts the version-control operations the engine needs.
// The engine never invokes a specific tool directly, only this interface.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"changeline/internal/domain"
)

// VCS is the collaborator interface from the engine's point of view.
type VCS interface {
	// Checkout materializes ref into dir.
	Checkout(ctx context.Context, ref, dir string) error
	// Diff returns the working-tree diff of dir.
	Diff(ctx context.Context, dir string) (string, error)
	// ImportPatch applies a patch to dir without committing.
	ImportPatch(ctx context.Context, dir, patchPath string) error
	// Amend folds the working tree into the current commit with message.
	Amend(ctx context.Context, dir, message string) error
	// Clean restores dir to a pristine checkout.
	Clean(ctx context.Context, dir string) error
}

// Git shells out to a git binary.
type Git struct {
	Bin    string
	Logger *log.Logger
}

func (g *Git) bin() string {
	if g.Bin != "" {
		return g.Bin
	}
	return "git"
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin(), args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if g.Logger != nil {
			g.Logger.Printf("git %s failed in %s: %s", args[0], dir, msg)
		}
		return "", &domain.ExternalToolError{Tool: "git", Op: args[0], Err: fmt.Errorf("%s: %s", err, msg)}
	}
	return out.String(), nil
}

func (g *Git) Checkout(ctx context.Context, ref, dir string) error {
	if _, err := g.run(ctx, dir, "checkout", ref); err != nil {
		return err
	}
	return nil
}

func (g *Git) Diff(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "diff")
}

func (g *Git) ImportPatch(ctx context.Context, dir, patchPath string) error {
	if _, err := g.run(ctx, dir, "apply", "--index", patchPath); err != nil {
		return err
	}
	return nil
}

func (g *Git) Amend(ctx context.Context, dir, message string) error {
	if _, err := g.run(ctx, dir, "commit", "--all", "--amend", "-m", message); err != nil {
		return err
	}
	return nil
}

func (g *Git) Clean(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "clean", "-fd"); err != nil {
		return err
	}
	return nil
}
