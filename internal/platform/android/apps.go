package android

import (
	"context"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	labagent "github.com/httprunner/LabAgent"
)

var failureRe = regexp.MustCompile(`Failure \[[^\]]*\]`)

// pmResult turns package manager output into a NativeRejection unless it
// reports Success.
func pmResult(op, serial, out string) error {
	if strings.Contains(out, "Success") {
		return nil
	}
	detail := strings.TrimSpace(out)
	if match := failureRe.FindString(out); match != "" {
		detail = match
	}
	if detail == "" {
		detail = "empty package manager output"
	}
	return labagent.NativeRejection(op, serial, detail)
}

// InstallApp pushes the apk to the device and installs it with pm.
func (m *Manager) InstallApp(ctx context.Context, dev labagent.Device, appPath string) error {
	remote := path.Join(remoteTmpDir, filepath.Base(appPath))
	err := m.RunNative(ctx, "push app", dev.Serial, func(ctx context.Context) error {
		return m.bridge.Push(ctx, dev.Serial, appPath, remote)
	})
	if err != nil {
		return errors.Wrapf(err, "push %s", appPath)
	}
	defer func() {
		if _, err := m.shell(ctx, dev.Serial, "rm", "-f", remote); err != nil {
			m.Logger(ctx).Warn().Err(err).Str("serial", dev.Serial).Msg("remove pushed apk failed")
		}
	}()

	out, err := m.shell(ctx, dev.Serial, "pm", "install", "-r", "-t", "-g", remote)
	if err != nil {
		return err
	}
	if err := pmResult("install app", dev.Serial, out); err != nil {
		m.ReportFailure(dev.Serial, err.Error())
		return err
	}
	m.Logger(ctx).Info().Str("serial", dev.Serial).Str("app", appPath).Msg("app installed")
	return nil
}

func (m *Manager) UninstallApp(ctx context.Context, dev labagent.Device, pkg string) error {
	out, err := m.shell(ctx, dev.Serial, "pm", "uninstall", pkg)
	if err != nil {
		return err
	}
	return pmResult("uninstall app", dev.Serial, out)
}

func (m *Manager) IsAppInstalled(ctx context.Context, dev labagent.Device, pkg string) (bool, error) {
	out, err := m.shell(ctx, dev.Serial, "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+pkg {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) ResetPackage(ctx context.Context, dev labagent.Device, pkg string) error {
	out, err := m.shell(ctx, dev.Serial, "pm", "clear", pkg)
	if err != nil {
		return err
	}
	return pmResult("reset package", dev.Serial, out)
}

// GrantPermission grants a runtime permission. Grant refusals are not errors:
// the result is false and the device output is logged.
func (m *Manager) GrantPermission(ctx context.Context, dev labagent.Device, pkg, permission string) (bool, error) {
	out, err := m.shell(ctx, dev.Serial, "pm", "grant", pkg, permission)
	if err != nil {
		return false, err
	}
	if out = strings.TrimSpace(out); out != "" {
		m.Logger(ctx).Warn().Str("serial", dev.Serial).Str("permission", permission).Str("output", out).Msg("grant permission refused")
		return false, nil
	}
	return true, nil
}

// GrantAllTaskNeededPermissions grants every permission listed by the task.
func (m *Manager) GrantAllTaskNeededPermissions(ctx context.Context, dev labagent.Device, task *labagent.Task) (bool, error) {
	if task == nil || task.PackageName == "" || len(task.Permissions) == 0 {
		return false, nil
	}
	all := true
	for _, perm := range task.Permissions {
		ok, err := m.GrantPermission(ctx, dev, task.PackageName, perm)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

func (m *Manager) AddToBatteryWhiteList(ctx context.Context, dev labagent.Device, pkg string) (bool, error) {
	out, err := m.shell(ctx, dev.Serial, "dumpsys", "deviceidle", "whitelist", "+"+pkg)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "Added"), nil
}

// GrantProjectionAndBatteryPermission lets the recorder app capture the
// screen without the consent dialog and keeps it out of doze.
func (m *Manager) GrantProjectionAndBatteryPermission(ctx context.Context, dev labagent.Device, recordPkg string) (bool, error) {
	out, err := m.shell(ctx, dev.Serial, "appops", "set", recordPkg, "PROJECT_MEDIA", "allow")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) != "" {
		return false, nil
	}
	return m.AddToBatteryWhiteList(ctx, dev, recordPkg)
}

func (m *Manager) SetLauncherAsDefault(ctx context.Context, dev labagent.Device, pkg, activity string) (bool, error) {
	out, err := m.shell(ctx, dev.Serial, "cmd", "package", "set-home-activity", pkg+"/"+activity)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "Success"), nil
}
