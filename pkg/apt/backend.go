// Package apt implements the OS package backend with dpkg-query and apt-get.
package apt

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devmgmt/swagent"
)

const (
	defaultAptGet    = "apt-get"
	defaultDpkgQuery = "dpkg-query"
	listFormat       = "${db:Status-Abbrev}\t${Package}\t${Version}\n"
)

// Config wires a Backend. Empty binaries default to the ones on PATH.
type Config struct {
	Runner    Runner
	AptGet    string
	DpkgQuery string
}

// Backend applies changes synchronously. Any output on stderr marks the
// command as failed, even when it exits zero.
type Backend struct {
	runner    Runner
	aptGet    string
	dpkgQuery string
}

func New(cfg Config) *Backend {
	b := &Backend{runner: cfg.Runner, aptGet: cfg.AptGet, dpkgQuery: cfg.DpkgQuery}
	if b.runner == nil {
		b.runner = ExecRunner{}
	}
	if b.aptGet == "" {
		b.aptGet = defaultAptGet
	}
	if b.dpkgQuery == "" {
		b.dpkgQuery = defaultDpkgQuery
	}
	return b
}

func (b *Backend) Kind() swagent.BackendKind { return swagent.BackendOS }

// Ping checks that the package tools are installed.
func (b *Backend) Ping(context.Context) error {
	for _, bin := range []string{b.dpkgQuery, b.aptGet} {
		if _, err := exec.LookPath(bin); err != nil {
			return errors.Wrapf(swagent.ErrBackendUnavailable, "%s: %v", bin, err)
		}
	}
	return nil
}

// ListInstalled returns fully installed packages sorted by name.
func (b *Backend) ListInstalled(ctx context.Context) ([]swagent.InstalledSoftware, error) {
	out, err := b.runner.Run(ctx, b.dpkgQuery, "-W", "-f="+listFormat)
	if err != nil {
		return nil, errors.Wrapf(swagent.ErrBackendUnavailable, "dpkg-query: %v: %s", err, strings.TrimSpace(string(out.Stderr)))
	}
	var installed []swagent.InstalledSoftware
	scanner := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 || !strings.HasPrefix(strings.TrimSpace(fields[0]), "ii") {
			continue
		}
		installed = append(installed, swagent.InstalledSoftware{
			Name:         strings.TrimSpace(fields[1]),
			Version:      strings.TrimSpace(fields[2]),
			SoftwareType: swagent.SoftwareTypeApt,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read dpkg-query output")
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].Name < installed[j].Name })
	return installed, nil
}

func (b *Backend) ApplyBatch(ctx context.Context, items []swagent.SoftwareItem, opts swagent.ApplyOptions) (swagent.ErrorList, []swagent.AppliedItem) {
	var (
		errs    swagent.ErrorList
		applied = make([]swagent.AppliedItem, 0, len(items))
	)
	if opts.RefreshIndex && hasChanges(items) {
		b.refreshIndex(ctx)
	}

	var current map[string]string
	for _, item := range items {
		if item.Action == swagent.ActionNone {
			log.Debug().Str("item", item.Name).Msg("skip apt item without supported action")
			continue
		}
		if item.Action == swagent.ActionUpdate && current == nil {
			current = b.installedVersions(ctx)
		}
		err := swagent.NewItemError(swagent.BackendOS, item.Name, b.apply(ctx, item, current))
		errs.Add(err)

		done := swagent.AppliedItem{SoftwareItem: item, Err: err}
		if done.SoftwareType == "" {
			done.SoftwareType = swagent.SoftwareTypeApt
		}
		applied = append(applied, done)
		if opts.Progress != nil {
			opts.Progress(done)
		}
	}
	return errs, applied
}

// InstallFile installs a downloaded .deb with apt-get so dependencies resolve.
func (b *Backend) InstallFile(ctx context.Context, path string) error {
	return b.run(ctx, "install", "-y", path)
}

func (b *Backend) apply(ctx context.Context, item swagent.SoftwareItem, current map[string]string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch item.Action {
	case swagent.ActionInstall:
		return b.run(ctx, "install", "-y", target(item))
	case swagent.ActionUpdate:
		args := []string{"install", "-y"}
		if version := pinnedVersion(item.Version); version == "" {
			args = append(args, "--only-upgrade")
		} else if isDowngrade(current[item.Name], version) {
			args = append(args, "--allow-downgrades")
		}
		return b.run(ctx, append(args, target(item))...)
	case swagent.ActionDelete:
		return b.run(ctx, "remove", "-y", item.Name)
	case swagent.ActionNone:
	}
	return nil
}

func (b *Backend) run(ctx context.Context, args ...string) error {
	log.Info().Str("cmd", b.aptGet).Strs("args", args).Msg("running apt")
	out, err := b.runner.Run(ctx, b.aptGet, args...)
	if stderr := strings.TrimSpace(string(out.Stderr)); stderr != "" {
		return errors.New(stderr)
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s", b.aptGet, strings.Join(args, " "))
	}
	return nil
}

func (b *Backend) refreshIndex(ctx context.Context) {
	out, err := b.runner.Run(ctx, b.aptGet, "update")
	if err != nil || len(bytes.TrimSpace(out.Stderr)) > 0 {
		log.Warn().Err(err).Bytes("stderr", bytes.TrimSpace(out.Stderr)).Msg("apt-get update reported problems")
	}
}

func (b *Backend) installedVersions(ctx context.Context) map[string]string {
	versions := map[string]string{}
	installed, err := b.ListInstalled(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("installed versions unavailable, downgrades will not be allowed")
		return versions
	}
	for _, sw := range installed {
		versions[sw.Name] = sw.Version
	}
	return versions
}

func hasChanges(items []swagent.SoftwareItem) bool {
	for _, item := range items {
		if item.Action.Changes() {
			return true
		}
	}
	return false
}

func target(item swagent.SoftwareItem) string {
	if version := pinnedVersion(item.Version); version != "" {
		return item.Name + "=" + version
	}
	return item.Name
}

// pinnedVersion returns the requested version, or "" when any version will do.
func pinnedVersion(raw string) string {
	version := strings.TrimSpace(raw)
	switch strings.ToLower(version) {
	case "", "latest", "*":
		return ""
	}
	return version
}

// isDowngrade reports whether want is older than have. Versions that do not
// parse as semantic versions are never treated as downgrades.
func isDowngrade(have, want string) bool {
	if have == "" || want == "" {
		return false
	}
	current, err := goversion.NewVersion(have)
	if err != nil {
		return false
	}
	wanted, err := goversion.NewVersion(want)
	if err != nil {
		return false
	}
	return wanted.LessThan(current)
}
