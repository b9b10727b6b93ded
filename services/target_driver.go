package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/models"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	planFile    = "deployment-plan.xml"
	digestFile  = "digest"
	runningFile = "running"
)

// UndoFunc reverts one applied step. It is called with a fresh context during cancel.
type UndoFunc func(ctx context.Context) error

/**
 * Artifact generated for one root module
 * @property {string} RootID - Root module id, also the artifact directory name
 * @property {string} Filename - Archive file name
 * @property {[]byte} Archive - Archive bytes
 * @property {[]byte} Plan - Deployment plan bytes, nil when none was given
 * @property {string} Digest - sha256 of the archive
 */
type ArtifactRequest struct {
	RootID   string
	Filename string
	Archive  []byte
	Plan     []byte
	Digest   string
}

/**
 * Server side of deployment operations
 * @description
 * - Every mutating call returns an UndoFunc restoring the previous state
 * - Calls must honour ctx cancellation between steps
 */
type TargetDriver interface {
	Distribute(ctx context.Context, target models.Target, req ArtifactRequest) (string, UndoFunc, error)
	SetRunning(ctx context.Context, target models.Target, rootID string, modules []string, running bool) (UndoFunc, error)
	Undeploy(ctx context.Context, target models.Target, rootID string) (UndoFunc, error)
	Close() error
}

/**
 * Target driver storing artifacts on a billy filesystem
 * @description
 * - Layout: <target>/<root>/<archive>, deployment-plan.xml, digest, running
 * - "running" lists the started module ids, one per line
 */
type FileDriver struct {
	fs billy.Filesystem
}

func NewFileDriver(fs billy.Filesystem) *FileDriver {
	return &FileDriver{fs: fs}
}

// NewDirDriver stores artifacts under a local directory.
func NewDirDriver(dir string) (*FileDriver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts directory %s: %w", dir, err)
	}
	return NewFileDriver(osfs.New(dir)), nil
}

func (d *FileDriver) rootDir(target models.Target, rootID string) string {
	return path.Join(target.Name, rootID)
}

// snapshot reads every file of dir, nil when the directory does not exist.
func (d *FileDriver) snapshot(dir string) (map[string][]byte, error) {
	infos, err := d.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	files := make(map[string][]byte, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		data, err := util.ReadFile(d.fs, path.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		files[fi.Name()] = data
	}
	return files, nil
}

func (d *FileDriver) restore(dir string, files map[string][]byte) UndoFunc {
	return func(ctx context.Context) error {
		if err := util.RemoveAll(d.fs, dir); err != nil {
			return err
		}
		if files == nil {
			return nil
		}
		if err := d.fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
		for name, data := range files {
			if err := util.WriteFile(d.fs, path.Join(dir, name), data, 0644); err != nil {
				return err
			}
		}
		logger.Debugf("Restored artifacts of %s", dir)
		return nil
	}
}

/**
 * Copy an artifact to a target
 * @returns {(string, UndoFunc, error)} Archive path on the target storage and the undo step
 * @description
 * - Replaces the previous artifact of the same root
 * - A redistributed root is not running
 */
func (d *FileDriver) Distribute(ctx context.Context, target models.Target, req ArtifactRequest) (string, UndoFunc, error) {
	dir := d.rootDir(target, req.RootID)
	prev, err := d.snapshot(dir)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", dir, err)
	}
	undo := d.restore(dir, prev)

	steps := []struct {
		name string
		data []byte
	}{
		{req.Filename, req.Archive},
		{digestFile, []byte(req.Digest + "\n")},
	}
	if req.Plan != nil {
		steps = append(steps, struct {
			name string
			data []byte
		}{planFile, req.Plan})
	}

	if err := util.RemoveAll(d.fs, dir); err != nil {
		return "", nil, err
	}
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return "", nil, err
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			_ = undo(context.Background())
			return "", nil, err
		}
		if err := util.WriteFile(d.fs, path.Join(dir, s.name), s.data, 0644); err != nil {
			_ = undo(context.Background())
			return "", nil, fmt.Errorf("write %s: %w", s.name, err)
		}
	}
	archive := path.Join(dir, req.Filename)
	logger.Infof("Distributed %s to target %s (%d bytes)", req.Filename, target.Name, len(req.Archive))
	return archive, undo, nil
}

// SetRunning marks the listed modules of a root started or stopped.
func (d *FileDriver) SetRunning(ctx context.Context, target models.Target, rootID string, modules []string, running bool) (UndoFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := d.rootDir(target, rootID)
	if _, err := d.fs.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s is not distributed to %s", models.ErrModuleNotFound, rootID, target.Name)
	}
	marker := path.Join(dir, runningFile)
	prev, err := util.ReadFile(d.fs, marker)
	existed := err == nil
	undo := func(ctx context.Context) error {
		if !existed {
			if err := d.fs.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}
		return util.WriteFile(d.fs, marker, prev, 0644)
	}

	if !running {
		if err := d.fs.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Infof("Stopped %s on target %s", rootID, target.Name)
		return undo, nil
	}
	ids := append([]string(nil), modules...)
	sort.Strings(ids)
	if err := util.WriteFile(d.fs, marker, []byte(strings.Join(ids, "\n")+"\n"), 0644); err != nil {
		return nil, err
	}
	logger.Infof("Started %s on target %s", rootID, target.Name)
	return undo, nil
}

// Undeploy removes the artifacts of a root.
func (d *FileDriver) Undeploy(ctx context.Context, target models.Target, rootID string) (UndoFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := d.rootDir(target, rootID)
	prev, err := d.snapshot(dir)
	if err != nil {
		return nil, err
	}
	if err := util.RemoveAll(d.fs, dir); err != nil {
		return nil, err
	}
	logger.Infof("Undeployed %s from target %s", rootID, target.Name)
	return d.restore(dir, prev), nil
}

// RunningModules reads the started module ids of a root.
func (d *FileDriver) RunningModules(target models.Target, rootID string) ([]string, error) {
	data, err := util.ReadFile(d.fs, path.Join(d.rootDir(target, rootID), runningFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

func (d *FileDriver) Close() error {
	return nil
}
